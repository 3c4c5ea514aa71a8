package subscription

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// EventNamespace is the XML namespace of GENA property sets.
const EventNamespace = "urn:schemas-upnp-org:event-1-0"

// MaxNotificationSize bounds an accepted NOTIFY body.
const MaxNotificationSize = 1 << 20

// ErrMalformedNotification wraps every NOTIFY body decoding failure.
var ErrMalformedNotification = errors.New("subscription: malformed notification")

type propertySet struct {
	XMLName    xml.Name      `xml:"propertyset"`
	Properties []propertyXML `xml:"property"`
}

type propertyXML struct {
	Vars []variableXML `xml:",any"`
}

type variableXML struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ParsePropertySet decodes a GENA property set into properties in
// document order.
func ParsePropertySet(r io.Reader) ([]Property, error) {
	decoder := xml.NewDecoder(io.LimitReader(r, MaxNotificationSize))
	decoder.DefaultSpace = EventNamespace
	decoder.CharsetReader = charset.NewReaderLabel

	var set propertySet
	if err := decoder.Decode(&set); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty body", ErrMalformedNotification)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}

	var props []Property
	for _, p := range set.Properties {
		for _, v := range p.Vars {
			props = append(props, Property{Name: v.XMLName.Local, Value: strings.TrimSpace(v.Value)})
		}
	}
	return props, nil
}
