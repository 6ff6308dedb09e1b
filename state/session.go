package state

import (
	"math"
	"sync"
	"time"
)

const (
	// DefaultSequenceSeed is the first sequence number a new session hands out.
	DefaultSequenceSeed int32 = 5267

	// EmpTimeLayout is the layout of the emp exchange timestamp carried in
	// token bundles.
	EmpTimeLayout = "2006-01-02 15:04:05"

	// empRefreshInterval is how long an emp exchange stays fresh.
	empRefreshInterval = 12 * time.Hour
)

// Tokens holds the opaque login tickets returned by the login flow.
type Tokens struct {
	TGT              []byte // tlv 0x10a
	D2               []byte // tlv 0x143
	UserStKey        []byte // tlv 0x10e
	UserStSig        []byte // tlv 0x114
	SessionTicket    []byte // tlv 0x133
	SessionTicketKey []byte // tlv 0x134
}

func (t Tokens) clone() Tokens {
	return Tokens{
		TGT:              cloneBytes(t.TGT),
		D2:               cloneBytes(t.D2),
		UserStKey:        cloneBytes(t.UserStKey),
		UserStSig:        cloneBytes(t.UserStSig),
		SessionTicket:    cloneBytes(t.SessionTicket),
		SessionTicketKey: cloneBytes(t.SessionTicketKey),
	}
}

// Cookies holds the web cookies handed out alongside the login tokens.
type Cookies struct {
	SKey      string
	ClientKey string
	// PSKey maps a web domain to its p_skey.
	PSKey map[string]string
}

func (c Cookies) clone() Cookies {
	if len(c.PSKey) == 0 {
		c.PSKey = nil
	} else {
		m := make(map[string]string, len(c.PSKey))
		for k, v := range c.PSKey {
			m[k] = v
		}
		c.PSKey = m
	}
	return c
}

// Session holds the cryptographic keys, device identity, login tokens and
// sequence counter for one client identity. A Session is owned by exactly one
// client and is never shared across connections.
//
// All methods on Session are safe for concurrent use.
type Session struct {
	mutex sync.RWMutex

	uin       string
	seq       int32
	shareKey  []byte
	randKey   []byte
	tgtgtKey  []byte
	publicKey []byte

	device  DeviceIdentity
	tokens  Tokens
	cookies Cookies

	tips    string
	empTime string

	nowFn func() time.Time
}

// NewSession creates a session for a client type with a fresh device
// identity and random key material.
func NewSession(ct ClientType) (*Session, error) {
	device, err := NewDeviceIdentity(ct)
	if err != nil {
		return nil, err
	}
	return NewSessionWithDevice(device)
}

// NewSessionWithDevice creates a session for an existing device identity.
// The rand and TGTGT keys are always random; the watch profile additionally
// pins its share key, rand key and public key.
func NewSessionWithDevice(device DeviceIdentity) (*Session, error) {
	randKey, err := randomBytes(16)
	if err != nil {
		return nil, err
	}
	tgtgtKey, err := randomBytes(16)
	if err != nil {
		return nil, err
	}

	s := &Session{
		uin:      "0",
		seq:      DefaultSequenceSeed,
		randKey:  randKey,
		tgtgtKey: tgtgtKey,
		device:   device.clone(),
		nowFn:    time.Now,
	}
	if device.ClientType == ClientTypeWatch {
		s.shareKey = mustHex(watchKeys.shareKey)
		s.randKey = mustHex(watchKeys.randKey)
		s.publicKey = mustHex(watchKeys.publicKey)
	}
	return s, nil
}

//
// Sequence
//

// NextSequence returns the current sequence number and advances the counter
// by one. Concurrent callers never receive the same value.
func (s *Session) NextSequence() int32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	seq := s.seq
	if s.seq == math.MaxInt32 {
		s.seq = 1
	} else {
		s.seq++
	}
	return seq
}

// Sequence returns the sequence number the next request will use.
func (s *Session) Sequence() int32 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.seq
}

// SetSequence sets the sequence number the next request will use.
func (s *Session) SetSequence(seq int32) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.seq = seq
}

//
// Identity
//

// UIN returns the numeric user identifier, "0" before login.
func (s *Session) UIN() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.uin
}

// SetUIN sets the numeric user identifier.
func (s *Session) SetUIN(uin string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.uin = uin
}

// Device returns a copy of the device identity.
func (s *Session) Device() DeviceIdentity {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.device.clone()
}

//
// Keys
//

// ShareKey returns the 16-byte key used for session-key frames, or nil
// before one has been negotiated.
func (s *Session) ShareKey() []byte {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return cloneBytes(s.shareKey)
}

// SetShareKey sets the session share key.
func (s *Session) SetShareKey(key []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.shareKey = cloneBytes(key)
}

// RandKey returns the random nonce used during the login key exchange.
func (s *Session) RandKey() []byte {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return cloneBytes(s.randKey)
}

// TGTGTKey returns the random key protecting the TGTGT login ticket.
func (s *Session) TGTGTKey() []byte {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return cloneBytes(s.tgtgtKey)
}

// PublicKey returns the client ECDH public key sent during login.
func (s *Session) PublicKey() []byte {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return cloneBytes(s.publicKey)
}

// SetPublicKey sets the client ECDH public key.
func (s *Session) SetPublicKey(key []byte) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.publicKey = cloneBytes(key)
}

//
// Tokens
//

// Tokens returns a copy of the login tokens.
func (s *Session) Tokens() Tokens {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.tokens.clone()
}

// SetTokens replaces the login tokens.
func (s *Session) SetTokens(t Tokens) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tokens = t.clone()
}

// Cookies returns a copy of the web cookies.
func (s *Session) Cookies() Cookies {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cookies.clone()
}

// SetCookies replaces the web cookies.
func (s *Session) SetCookies(c Cookies) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.cookies = c.clone()
}

// EmpTime returns the timestamp of the last emp exchange in EmpTimeLayout,
// or an empty string if none took place.
func (s *Session) EmpTime() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.empTime
}

// SetEmpTime records the time of an emp exchange.
func (s *Session) SetEmpTime(t time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.empTime = t.Format(EmpTimeLayout)
}

// EmpFresh reports whether the last emp exchange happened less than 12 hours
// ago. An absent or unparsable timestamp is never fresh.
func (s *Session) EmpFresh() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.empTime == "" {
		return false
	}
	last, err := time.ParseInLocation(EmpTimeLayout, s.empTime, time.Local)
	if err != nil {
		return false
	}
	return s.nowFn().Sub(last) < empRefreshInterval
}

//
// Server notices
//

// Tips returns the last notice text the server attached to a frame.
func (s *Session) Tips() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.tips
}

// SetTips records a server notice.
func (s *Session) SetTips(tips string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tips = tips
}

// ClearTips discards the recorded server notice.
func (s *Session) ClearTips() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tips = ""
}
