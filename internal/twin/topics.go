package twin

import (
	"net/url"
	"strconv"
	"strings"
)

// Hub topic filters a device subscribes to.
const (
	DesiredPatchFilter  = "$iothub/twin/PATCH/properties/desired/#"
	TwinResponseFilter  = "$iothub/twin/res/#"
	DirectMethodsFilter = "$iothub/methods/POST/#"

	desiredPatchPrefix = "$iothub/twin/PATCH/properties/desired/"
	twinResponsePrefix = "$iothub/twin/res/"
	methodPrefix       = "$iothub/methods/POST/"
)

// DefaultAPIVersion is the hub MQTT API version sent in the username.
const DefaultAPIVersion = "2021-04-12"

// TelemetryTopic returns the device-to-cloud topic of a device.
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// CloudToDeviceFilter returns the cloud-to-device filter of a device.
func CloudToDeviceFilter(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/#"
}

// ReportedPatchTopic returns the topic for a reported-properties patch.
func ReportedPatchTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

// TwinGetTopic returns the topic requesting the full twin.
func TwinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

// MethodResponseTopic returns the topic answering a direct method.
func MethodResponseTopic(status int, rid string) string {
	return "$iothub/methods/res/" + strconv.Itoa(status) + "/?$rid=" + rid
}

// Username builds the MQTT username a device authenticates with.
func Username(hubHost, deviceID, apiVersion, modelID string) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	username := hubHost + "/" + deviceID + "/?api-version=" + apiVersion
	if modelID != "" {
		username += "&model-id=" + url.QueryEscape(modelID)
	}
	return username
}

// ParseMethodTopic extracts the method name and request id from
// $iothub/methods/POST/{name}/?$rid={rid}.
func ParseMethodTopic(topic string) (name, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, methodPrefix)
	if !found {
		return "", "", false
	}
	name, query, found := strings.Cut(rest, "/?")
	if !found || name == "" {
		return "", "", false
	}
	rid = queryValue(query, "$rid")
	return name, rid, rid != ""
}

// ParseResponseTopic extracts the status and request id from
// $iothub/twin/res/{status}/?$rid={rid}[&$version={v}].
func ParseResponseTopic(topic string) (status int, rid string, ok bool) {
	rest, found := strings.CutPrefix(topic, twinResponsePrefix)
	if !found {
		return 0, "", false
	}
	code, query, found := strings.Cut(rest, "/?")
	if !found {
		return 0, "", false
	}
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, "", false
	}
	rid = queryValue(query, "$rid")
	return status, rid, rid != ""
}

// queryValue reads a parameter from a topic query. url.ParseQuery is not
// used because "$" keys and unescaped values are common in hub topics.
func queryValue(query, key string) string {
	for _, part := range strings.Split(query, "&") {
		k, v, _ := strings.Cut(part, "=")
		if k == key {
			return v
		}
	}
	return ""
}

func isDesiredPatch(topic string) bool {
	return strings.HasPrefix(topic, desiredPatchPrefix)
}
