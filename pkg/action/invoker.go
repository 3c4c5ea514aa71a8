package action

import (
	"context"
	"encoding/xml"
	"net/url"
	"reflect"
	"strconv"

	"github.com/huin/goupnp/soap"
)

// Invoker performs one SOAP exchange.
type Invoker interface {
	Invoke(ctx context.Context, controlURL *url.URL, serviceType, action string, in []Argument) ([]Argument, error)
}

// SOAPInvoker implements Invoker with the goupnp SOAP client.
type SOAPInvoker struct{}

// Invoke posts the action to controlURL. Faults are returned as
// *soap.SOAPFaultError.
func (SOAPInvoker) Invoke(ctx context.Context, controlURL *url.URL, serviceType, action string, in []Argument) ([]Argument, error) {
	client := soap.NewSOAPClient(*controlURL)

	var out response
	if err := client.PerformActionCtx(ctx, serviceType, action, requestStruct(in), &out); err != nil {
		return nil, err
	}

	args := make([]Argument, 0, len(out.Args))
	for _, a := range out.Args {
		args = append(args, Argument{Name: a.XMLName.Local, Value: a.Value})
	}
	return args, nil
}

type response struct {
	XMLName xml.Name
	Args    []responseArg `xml:",any"`
}

type responseArg struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// requestStruct builds a struct whose string fields encode in, in order.
// The goupnp encoder takes argument names from the soap tag.
func requestStruct(in []Argument) any {
	fields := make([]reflect.StructField, len(in))
	for i, a := range in {
		fields[i] = reflect.StructField{
			Name: "A" + strconv.Itoa(i),
			Type: reflect.TypeOf(""),
			Tag:  reflect.StructTag(`soap:"` + a.Name + `"`),
		}
	}
	v := reflect.New(reflect.StructOf(fields)).Elem()
	for i, a := range in {
		v.Field(i).SetString(a.Value)
	}
	return v.Addr().Interface()
}
