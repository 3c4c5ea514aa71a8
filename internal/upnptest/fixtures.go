package upnptest

// Service identities of the simulated dimmable light.
const (
	SwitchPowerID   = "urn:upnp-org:serviceId:SwitchPower.0001"
	SwitchPowerType = "urn:schemas-upnp-org:service:SwitchPower:1"
	DimmingID       = "urn:upnp-org:serviceId:Dimming.0001"
	DimmingType     = "urn:schemas-upnp-org:service:Dimming:1"

	DimmableLightType = "urn:schemas-upnp-org:device:DimmableLight:1"
	DefaultName       = "UPnP Sample Dimmable Light ver.1"
)

type actionSpec struct {
	name string
	in   []argSpec
	out  []argSpec
}

type argSpec struct {
	name     string
	variable string
}

type variableSpec struct {
	name     string
	dataType string
	evented  bool
	initial  string
}

type serviceSpec struct {
	id        string
	typ       string
	path      string
	actions   []actionSpec
	variables []variableSpec
}

var lightServices = []serviceSpec{
	{
		id:   SwitchPowerID,
		typ:  SwitchPowerType,
		path: "SwitchPower",
		actions: []actionSpec{
			{name: "SetTarget", in: []argSpec{{"newTargetValue", "Target"}}},
			{name: "GetTarget", out: []argSpec{{"RetTargetValue", "Target"}}},
			{name: "GetStatus", out: []argSpec{{"ResultStatus", "Status"}}},
		},
		variables: []variableSpec{
			{name: "Target", dataType: "boolean", initial: "0"},
			{name: "Status", dataType: "boolean", evented: true, initial: "0"},
		},
	},
	{
		id:   DimmingID,
		typ:  DimmingType,
		path: "Dimming",
		actions: []actionSpec{
			{name: "SetLoadLevelTarget", in: []argSpec{{"newLoadlevelTarget", "LoadLevelTarget"}}},
			{name: "GetLoadLevelTarget", out: []argSpec{{"GetLoadlevelTarget", "LoadLevelTarget"}}},
			{name: "GetLoadLevelStatus", out: []argSpec{{"retLoadlevelStatus", "LoadLevelStatus"}}},
		},
		variables: []variableSpec{
			{name: "LoadLevelTarget", dataType: "ui1", initial: "0"},
			{name: "LoadLevelStatus", dataType: "ui1", evented: true, initial: "0"},
		},
	},
}

func (s serviceSpec) action(name string) (actionSpec, bool) {
	for _, a := range s.actions {
		if a.name == name {
			return a, true
		}
	}
	return actionSpec{}, false
}

func (s serviceSpec) variable(name string) (variableSpec, bool) {
	for _, v := range s.variables {
		if v.name == name {
			return v, true
		}
	}
	return variableSpec{}, false
}
