package device

import (
	"net/url"
	"testing"

	"github.com/huin/goupnp/scpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceResolvesAgainstBaseURL(t *testing.T) {
	base, _ := url.Parse("http://192.168.1.20:49152/desc/root.xml")
	dev := &Device{UDN: "uuid:dev1", BaseURL: base}
	svc := &Service{
		ServiceID:   "urn:upnp-org:serviceId:Dimming.0001",
		ControlURL:  "/upnp/control/dimming",
		EventSubURL: "event/dimming",
		SCPDURL:     "http://192.168.1.20:49152/scpd/dimming.xml",
	}
	require.NoError(t, dev.AddService(svc))

	ctl, err := svc.ControlLocation()
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:49152/upnp/control/dimming", ctl.String())

	ev, err := svc.EventLocation()
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:49152/desc/event/dimming", ev.String())

	sc, err := svc.SCPDLocation()
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.20:49152/scpd/dimming.xml", sc.String())

	assert.Same(t, dev, svc.Device())
}

func TestServiceWithoutDevice(t *testing.T) {
	svc := &Service{ControlURL: "/ctl"}
	_, err := svc.ControlLocation()
	assert.ErrorIs(t, err, ErrNoDevice)

	dev := &Device{UDN: "uuid:x"}
	require.NoError(t, dev.AddService(svc))
	_, err = svc.ControlLocation()
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestAddServiceRejectsDuplicateID(t *testing.T) {
	dev := &Device{UDN: "uuid:x"}
	require.NoError(t, dev.AddService(&Service{ServiceID: "a"}))
	assert.ErrorIs(t, dev.AddService(&Service{ServiceID: "a"}), ErrDuplicateService)
	assert.Len(t, dev.Services, 1)
}

func TestLookupAcrossEmbeddedDevices(t *testing.T) {
	child := &Device{UDN: "uuid:child"}
	require.NoError(t, child.AddService(&Service{ServiceID: "sid-child", ServiceType: "urn:t:child:1"}))
	root := &Device{UDN: "uuid:root", Embedded: []*Device{child}}
	require.NoError(t, root.AddService(&Service{ServiceID: "sid-root", ServiceType: "urn:t:root:1"}))

	assert.Len(t, root.AllServices(), 2)
	assert.Equal(t, []string{"uuid:root", "uuid:child"}, root.AllUDNs())
	assert.Same(t, child, root.Service("sid-child").Device())
	assert.Equal(t, "sid-root", root.ServiceByType("urn:t:root:1").ServiceID)
	assert.Nil(t, root.Service("missing"))
}

func TestServiceActions(t *testing.T) {
	svc := &Service{}
	assert.Nil(t, svc.Action("GetLoadLevelTarget"))
	assert.Nil(t, svc.ActionNames())

	svc.SCPD = &scpd.SCPD{Actions: []scpd.Action{
		{Name: "SetLoadLevelTarget"},
		{Name: "GetLoadLevelStatus"},
	}}
	assert.NotNil(t, svc.Action("SetLoadLevelTarget"))
	assert.Nil(t, svc.Action("Missing"))
	assert.Equal(t, []string{"GetLoadLevelStatus", "SetLoadLevelTarget"}, svc.ActionNames())
}
