package upnptest

import (
	"fmt"
	"strings"
)

func (d *Device) descriptionXML() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<root xmlns="urn:schemas-upnp-org:device-1-0">` + "\n")
	b.WriteString("  <specVersion><major>1</major><minor>0</minor></specVersion>\n")
	if d.urlBase != "" {
		fmt.Fprintf(&b, "  <URLBase>%s</URLBase>\n", d.urlBase)
	}
	b.WriteString("  <device>\n")
	fmt.Fprintf(&b, "    <deviceType>%s</deviceType>\n", DimmableLightType)
	fmt.Fprintf(&b, "    <friendlyName>%s</friendlyName>\n", d.friendlyName)
	b.WriteString("    <manufacturer>mash-protocol</manufacturer>\n")
	b.WriteString("    <modelName>upnptest light</modelName>\n")
	b.WriteString("    <modelNumber>1</modelNumber>\n")
	fmt.Fprintf(&b, "    <UDN>%s</UDN>\n", d.udn)
	b.WriteString("    <serviceList>\n")
	for _, s := range lightServices {
		b.WriteString("      <service>\n")
		fmt.Fprintf(&b, "        <serviceType>%s</serviceType>\n", s.typ)
		fmt.Fprintf(&b, "        <serviceId>%s</serviceId>\n", s.id)
		fmt.Fprintf(&b, "        <SCPDURL>/scpd/%s</SCPDURL>\n", s.path)
		fmt.Fprintf(&b, "        <controlURL>/control/%s</controlURL>\n", s.path)
		fmt.Fprintf(&b, "        <eventSubURL>/event/%s</eventSubURL>\n", s.path)
		b.WriteString("      </service>\n")
	}
	b.WriteString("    </serviceList>\n")
	b.WriteString("  </device>\n")
	b.WriteString("</root>\n")
	return b.String()
}

func scpdXML(s serviceSpec) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>` + "\n")
	b.WriteString(`<scpd xmlns="urn:schemas-upnp-org:service-1-0">` + "\n")
	b.WriteString("  <specVersion><major>1</major><minor>0</minor></specVersion>\n")
	b.WriteString("  <actionList>\n")
	for _, a := range s.actions {
		b.WriteString("    <action>\n")
		fmt.Fprintf(&b, "      <name>%s</name>\n", a.name)
		b.WriteString("      <argumentList>\n")
		for _, arg := range a.in {
			writeArgument(&b, arg, "in")
		}
		for _, arg := range a.out {
			writeArgument(&b, arg, "out")
		}
		b.WriteString("      </argumentList>\n")
		b.WriteString("    </action>\n")
	}
	b.WriteString("  </actionList>\n")
	b.WriteString("  <serviceStateTable>\n")
	for _, v := range s.variables {
		events := "no"
		if v.evented {
			events = "yes"
		}
		fmt.Fprintf(&b, "    <stateVariable sendEvents=\"%s\">\n", events)
		fmt.Fprintf(&b, "      <name>%s</name>\n", v.name)
		fmt.Fprintf(&b, "      <dataType>%s</dataType>\n", v.dataType)
		fmt.Fprintf(&b, "      <defaultValue>%s</defaultValue>\n", v.initial)
		b.WriteString("    </stateVariable>\n")
	}
	b.WriteString("  </serviceStateTable>\n")
	b.WriteString("</scpd>\n")
	return b.String()
}

func writeArgument(b *strings.Builder, arg argSpec, direction string) {
	b.WriteString("        <argument>\n")
	fmt.Fprintf(b, "          <name>%s</name>\n", arg.name)
	fmt.Fprintf(b, "          <direction>%s</direction>\n", direction)
	fmt.Fprintf(b, "          <relatedStateVariable>%s</relatedStateVariable>\n", arg.variable)
	b.WriteString("        </argument>\n")
}

const soapEnvelopeStart = `<?xml version="1.0"?>` +
	`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
	`<s:Body>`

const soapEnvelopeEnd = `</s:Body></s:Envelope>`

func soapFaultXML(code int, description string) string {
	return soapEnvelopeStart +
		`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring>` +
		`<detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0">` +
		fmt.Sprintf("<errorCode>%d</errorCode><errorDescription>%s</errorDescription>", code, description) +
		`</UPnPError></detail></s:Fault>` +
		soapEnvelopeEnd
}

// PropertySetXML renders a GENA property set body for name/value pairs.
func PropertySetXML(pairs ...string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<e:propertyset xmlns:e="urn:schemas-upnp-org:event-1-0">`)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, "<e:property><%s>%s</%s></e:property>", pairs[i], pairs[i+1], pairs[i])
	}
	b.WriteString(`</e:propertyset>`)
	return b.String()
}
