// Package action invokes SOAP actions on UPnP services.
//
// The Dispatcher validates the target before any network traffic and then
// makes a single attempt through an Invoker; the default Invoker is the
// goupnp SOAP client. Results and faults are returned verbatim.
package action
