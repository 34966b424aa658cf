// Package mqtt provides the MQTT connection used to reach the device-twin hub.
//
// Every logical device the gateway exposes (the master and each slave) opens
// its own Client, authenticating as that device with a SAS token password.
//
// This package manages:
//   - TLS connection to the hub's MQTT endpoint with auto-reconnect
//   - Fresh credentials on every (re)connect via a password callback
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after reconnection
//
// # Security Considerations
//
//   - TLS 1.2 is the minimum; a CA bundle can be pinned with hub.ca_file
//   - Passwords are short-lived tokens and are never logged
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.Hub, mqtt.Credentials{
//	    ClientID: deviceID,
//	    Username: username,
//	    Password: func() string { return token() },
//	})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("$iothub/methods/POST/#", 0,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
package mqtt
