package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// ClientType is the flavor of mobile client a session impersonates.
type ClientType string

const (
	// ClientTypeQQ is the current Android QQ client.
	ClientTypeQQ ClientType = "QQ"
	// ClientTypeQQLegacy is an older Android QQ build kept for accounts
	// that still require it.
	ClientTypeQQLegacy ClientType = "QQ_old"
	// ClientTypeWatch is the QQ watch (qqlite) client.
	ClientTypeWatch ClientType = "Watch"
)

// ParseClientType validates a client type name.
func ParseClientType(s string) (ClientType, error) {
	switch ct := ClientType(s); ct {
	case ClientTypeQQ, ClientTypeQQLegacy, ClientTypeWatch:
		return ct, nil
	default:
		return "", fmt.Errorf("unknown client type %q", s)
	}
}

// DeviceIdentity describes the emulated handset and client build. It is
// established when the session is created; only a token import may replace
// the GUID and app id afterward.
type DeviceIdentity struct {
	ClientType ClientType
	AppID      uint32

	// client build
	PackageName string
	Version     string
	SDKVersion  string
	Signature   string
	BuildTime   int64
	VerString   string

	// handset
	OSName      string
	Network     string
	NetworkType string
	Model       string
	Brand       string
	IMEI        string
	MAC         string
	BSSID       string
	AndroidID   []byte
	BootID      string
	GUID        []byte
}

// watchKeys are the pre-negotiated ECDH values the watch client ships with.
var watchKeys = struct {
	shareKey  string
	randKey   string
	publicKey string
	guid      string
}{
	shareKey:  "549f5c3ab48db916da965f3b1bc1034b",
	randKey:   "703f797955782e5563643a4438497a53",
	publicKey: "04046e31f85979df7f3df031cdc6ebd9b98ee2e2f63efb6e79bc54bfeefb0f602407da8c414a34ef4610a795480ef83f0e",
	guid:      "9b6be0653a356f4fac89926f3f1ceb7e",
}

// NewDeviceIdentity returns the identity profile for a client type. The GUID
// is random except for the watch profile, which pins it.
func NewDeviceIdentity(ct ClientType) (DeviceIdentity, error) {
	d := DeviceIdentity{
		ClientType:  ct,
		OSName:      "android",
		Network:     "China Mobile GSM",
		NetworkType: "wifi",
		Model:       "V1916A",
		Brand:       "vivo",
		IMEI:        "862542082770767",
		MAC:         "89:C2:A9:C5:FA:E9",
		BSSID:       "00:14:bf:3a:8a:50",
		BootID:      uuid.NewString(),
		Signature:   "a6b745bf24a2c277527716f6f36eb68d",
	}

	switch ct {
	case ClientTypeQQ:
		d.AppID = 537170024
		d.AndroidID = mustHex("d018b704652f41f4")
		d.PackageName = "com.tencent.mobileqq"
		d.VerString = "||A8.9.71.9fd08ae5"
		d.Version = "8.8.85"
		d.SDKVersion = "6.0.0.2497"
	case ClientTypeQQLegacy:
		d.AppID = 537116186
		d.AndroidID = []byte("4cba299189222ca6")
		d.PackageName = "com.tencent.mobileqq"
		d.VerString = "|877408608703263|A8.8.90.83e6c009"
		d.Version = "8.8.85"
		d.SDKVersion = "6.0.0.2497"
		d.BuildTime = 1645432578
	case ClientTypeWatch:
		d.AppID = 537140974
		d.AndroidID = mustHex("4cba299189224ca2")
		d.PackageName = "com.tencent.qqlite"
		d.Version = "2.1.7"
		d.SDKVersion = "6.0.0.2366"
		d.BuildTime = 1654570540
		d.GUID = mustHex(watchKeys.guid)
		return d, nil
	default:
		return DeviceIdentity{}, fmt.Errorf("unknown client type %q", ct)
	}

	guid, err := randomBytes(16)
	if err != nil {
		return DeviceIdentity{}, err
	}
	d.GUID = guid
	return d, nil
}

func (d DeviceIdentity) clone() DeviceIdentity {
	d.AndroidID = cloneBytes(d.AndroidID)
	d.GUID = cloneBytes(d.GUID)
	return d
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("unable to read random bytes: %w", err)
	}
	return b, nil
}

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
