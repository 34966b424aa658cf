// Package devicekey derives per-device hub credentials from a shared
// application key.
//
// Each logical device (the gateway itself and every slave it provisions)
// authenticates with its own symmetric key. The key is never stored or
// transmitted; it is recomputed from the application key and the device id
// whenever a connection is made.
package devicekey

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidKey is returned when a key is not valid base64.
var ErrInvalidKey = errors.New("devicekey: key is not valid base64")

// Derive computes base64(HMAC-SHA256(base64decode(appKey), identity)).
func Derive(appKey, identity string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(appKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return base64.StdEncoding.EncodeToString(sign(key, identity)), nil
}

// ResourceURI returns the SAS resource for a device on a hub.
func ResourceURI(hubHost, deviceID string) string {
	return hubHost + "/devices/" + deviceID
}

// ProvisioningResourceURI returns the escaped SAS resource for a
// registration with the device provisioning service.
func ProvisioningResourceURI(scopeID, registrationID string) string {
	return url.QueryEscape(scopeID + "/registrations/" + registrationID)
}

// SASToken builds a shared access signature valid until expiry, signed with
// a (derived) device key.
//
// Format: SharedAccessSignature sr={uri}&sig={signature}&se={unix expiry}
func SASToken(resourceURI, deviceKey string, expiry time.Time) (string, error) {
	key, err := base64.StdEncoding.DecodeString(deviceKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	se := strconv.FormatInt(expiry.Unix(), 10)
	sig := base64.StdEncoding.EncodeToString(sign(key, resourceURI+"\n"+se))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s",
		resourceURI, url.QueryEscape(sig), se), nil
}

// SASTokenWithPolicy is SASToken naming the access policy (skn) the key
// belongs to. The provisioning service expects policy "registration".
func SASTokenWithPolicy(resourceURI, deviceKey string, expiry time.Time, policy string) (string, error) {
	token, err := SASToken(resourceURI, deviceKey, expiry)
	if err != nil {
		return "", err
	}
	return token + "&skn=" + url.QueryEscape(policy), nil
}

func sign(key []byte, message string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return mac.Sum(nil)
}
