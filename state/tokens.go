package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CompactTokenMark identifies the compact token bundle layout.
const CompactTokenMark = 1012

var (
	// ErrUnsupportedTokenMark indicates a token bundle whose mark field names
	// an unknown layout.
	ErrUnsupportedTokenMark = errors.New("unsupported token bundle mark")
	// ErrTokenField indicates a missing or malformed token bundle field.
	ErrTokenField = errors.New("invalid token bundle field")
)

// jsonString accepts a JSON string or number, since exported bundles from
// other tools carry the UIN either way.
type jsonString string

func (s *jsonString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = jsonString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = jsonString(n.String())
	return nil
}

// jsonUint32 accepts a JSON number or a numeric string.
type jsonUint32 uint32

func (u *jsonUint32) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	v, err := strconv.ParseUint(str, 10, 32)
	if err != nil {
		return err
	}
	*u = jsonUint32(v)
	return nil
}

type cookieBundle struct {
	SKey      string            `json:"skey"`
	ClientKey string            `json:"client_key"`
	PSKey     map[string]string `json:"p_skey"`
}

// compactBundle is the layout written by ExportTokens.
type compactBundle struct {
	UIN              string       `json:"UIN"`
	D2               string       `json:"D2"`
	TGT              string       `json:"TGT"`
	ShareKey         string       `json:"Sharekey"`
	AppID            uint32       `json:"Appid"`
	UserStKey        string       `json:"userSt_Key"`
	UserStSig        string       `json:"userStSig"`
	SessionTicket    string       `json:"wtSessionTicket"`
	SessionTicketKey string       `json:"wtSessionTicketKey"`
	GUID             string       `json:"Guid"`
	Cookies          cookieBundle `json:"cookies"`
	EmpTime          *string      `json:"emp_time"`
	Mark             int          `json:"mark"`
}

// inboundBundle is the union of the compact and legacy layouts.
type inboundBundle struct {
	Mark  *int        `json:"mark"`
	UIN   *jsonString `json:"UIN"`
	AppID *jsonUint32 `json:"Appid"`

	ShareKey string        `json:"Sharekey"`
	Cookies  *cookieBundle `json:"cookies"`
	EmpTime  *string       `json:"emp_time"`

	// compact layout
	D2               string `json:"D2"`
	TGT              string `json:"TGT"`
	GUID             string `json:"Guid"`
	UserStKey        string `json:"userSt_Key"`
	UserStSig        string `json:"userStSig"`
	SessionTicket    string `json:"wtSessionTicket"`
	SessionTicketKey string `json:"wtSessionTicketKey"`

	// legacy layout
	TokenA4 string `json:"token_A4"`
	TokenA2 string `json:"token_A2"`
	GUIDMD5 string `json:"GUID_MD5"`
	T10E    string `json:"T10E"`
	T114    string `json:"T114"`
	T133    string `json:"T133"`
	T134    string `json:"T134"`
}

// ImportTokens overwrites the UIN, tokens, share key, device GUID and app id
// with the values from a previously exported token bundle. Both the compact
// layout (carrying "mark": 1012) and the legacy layout (token_A4, token_A2,
// GUID_MD5, T10E, T114, T133, T134) are accepted. Missing byte fields become
// empty. The session is left untouched if any field is malformed.
func (s *Session) ImportTokens(data []byte) error {
	var in inboundBundle
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %w", ErrTokenField, err)
	}
	if in.UIN == nil || *in.UIN == "" {
		return fmt.Errorf("%w: UIN is required", ErrTokenField)
	}

	var hexFields []hexField
	var tokens Tokens
	var shareKey, guid []byte
	legacy := in.Mark == nil
	if legacy {
		hexFields = []hexField{
			{"token_A4", in.TokenA4, &tokens.TGT},
			{"token_A2", in.TokenA2, &tokens.D2},
			{"GUID_MD5", in.GUIDMD5, &guid},
			{"T10E", in.T10E, &tokens.UserStKey},
			{"T114", in.T114, &tokens.UserStSig},
			{"T133", in.T133, &tokens.SessionTicket},
			{"T134", in.T134, &tokens.SessionTicketKey},
		}
	} else {
		if *in.Mark != CompactTokenMark {
			return fmt.Errorf("%w: %d", ErrUnsupportedTokenMark, *in.Mark)
		}
		hexFields = []hexField{
			{"TGT", in.TGT, &tokens.TGT},
			{"D2", in.D2, &tokens.D2},
			{"Guid", in.GUID, &guid},
			{"userSt_Key", in.UserStKey, &tokens.UserStKey},
			{"userStSig", in.UserStSig, &tokens.UserStSig},
			{"wtSessionTicket", in.SessionTicket, &tokens.SessionTicket},
			{"wtSessionTicketKey", in.SessionTicketKey, &tokens.SessionTicketKey},
		}
	}
	hexFields = append(hexFields, hexField{"Sharekey", in.ShareKey, &shareKey})
	for _, f := range hexFields {
		if err := f.decode(); err != nil {
			return err
		}
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.uin = string(*in.UIN)
	s.tokens = tokens
	s.shareKey = shareKey
	s.device.GUID = guid
	if in.AppID != nil {
		s.device.AppID = uint32(*in.AppID)
	}
	if !legacy {
		s.empTime = ""
		if in.EmpTime != nil {
			s.empTime = *in.EmpTime
		}
	}
	if in.Cookies != nil {
		s.cookies = Cookies{
			SKey:      in.Cookies.SKey,
			ClientKey: in.Cookies.ClientKey,
			PSKey:     in.Cookies.PSKey,
		}.clone()
	}
	return nil
}

// ExportTokens serializes the UIN, tokens, share key, device GUID, app id,
// cookies and emp time as a compact token bundle with lowercase hex byte
// fields. ImportTokens restores the same state from the result.
func (s *Session) ExportTokens() ([]byte, error) {
	s.mutex.RLock()
	out := compactBundle{
		UIN:              s.uin,
		D2:               hex.EncodeToString(s.tokens.D2),
		TGT:              hex.EncodeToString(s.tokens.TGT),
		ShareKey:         hex.EncodeToString(s.shareKey),
		AppID:            s.device.AppID,
		UserStKey:        hex.EncodeToString(s.tokens.UserStKey),
		UserStSig:        hex.EncodeToString(s.tokens.UserStSig),
		SessionTicket:    hex.EncodeToString(s.tokens.SessionTicket),
		SessionTicketKey: hex.EncodeToString(s.tokens.SessionTicketKey),
		GUID:             hex.EncodeToString(s.device.GUID),
		Cookies: cookieBundle{
			SKey:      s.cookies.SKey,
			ClientKey: s.cookies.ClientKey,
			PSKey:     s.cookies.clone().PSKey,
		},
		Mark: CompactTokenMark,
	}
	if s.empTime != "" {
		empTime := s.empTime
		out.EmpTime = &empTime
	}
	s.mutex.RUnlock()

	if out.Cookies.PSKey == nil {
		out.Cookies.PSKey = map[string]string{}
	}
	return json.Marshal(out)
}

type hexField struct {
	name  string
	value string
	dst   *[]byte
}

func (f hexField) decode() error {
	v := strings.ReplaceAll(f.value, " ", "")
	if v == "" {
		*f.dst = nil
		return nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTokenField, f.name, err)
	}
	*f.dst = b
	return nil
}
