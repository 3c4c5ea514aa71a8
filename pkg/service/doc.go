// Package service provides the UPnP control point.
//
// ControlPoint ties the lower-level components together:
//   - pkg/ssdp receives announcements and search responses
//   - pkg/device keeps discovered devices with their expiry
//   - pkg/builder fetches device descriptions and SCPDs
//   - pkg/subscription manages GENA event subscriptions
//   - pkg/transport serves the NOTIFY callback route
//   - pkg/action invokes SOAP actions
//
// # Lifecycle
//
//	STOPPED --Run--> RUNNING --Suspend--> SUSPENDED --Resume--> RUNNING
//	any --Finish--> FINISHED
//
// Suspend keeps subscribers in memory without renewing them. Resume
// subscribes each of them again, since their SIDs may have been dropped
// by the devices while the callback endpoint was down.
//
// Example usage:
//
//	cp, err := service.New(service.DefaultConfig())
//	cp.OnDeviceAdded(func(dev *device.Device) {
//		fmt.Println("found", dev.FriendlyName)
//	})
//	cp.Run(ctx)
//	defer cp.Finish(context.Background())
//	cp.Search(ssdp.SearchRootDevice, 2)
package service
