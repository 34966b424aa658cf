// Package twin connects logical devices to the cloud device-twin hub.
//
// A Channel is one device's session with the hub: it publishes telemetry,
// delivers desired-property patches and direct-method calls, and sends
// acknowledgements back as reported properties. HubChannel implements
// Channel over the hub's MQTT device API.
//
// # Topics
//
//	devices/{id}/messages/events/                    telemetry (out)
//	$iothub/twin/PATCH/properties/desired/#          desired patches (in)
//	$iothub/twin/PATCH/properties/reported/?$rid=    acknowledgements (out)
//	$iothub/twin/GET/?$rid=                          full twin request (out)
//	$iothub/twin/res/#                               twin responses (in)
//	$iothub/methods/POST/#                           direct methods (in)
//	$iothub/methods/res/{status}/?$rid=              method responses (out)
//	devices/{id}/messages/devicebound/#              cloud-to-device (in, logged)
//
// # Acknowledgements
//
// Every desired property a device handles is answered with
//
//	{"<key>": {"value": <echo>, "statusCode": 200, "status": "completed", "desiredVersion": 7}}
package twin
