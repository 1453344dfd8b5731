package grpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// validateTokenRequest mirrors auth.ValidateTokenRequest { string token = 1; }.
type validateTokenRequest struct {
	Token string
}

// validateTokenResponse mirrors auth.ValidateTokenResponse
// { bool valid = 1; int64 user_id = 2; string role = 3; }.
type validateTokenResponse struct {
	Valid  bool
	UserID int64
	Role   string
}

// authCodec encodes the auth messages in protobuf wire format so the client
// does not depend on generated stubs. It registers under the "proto" name,
// keeping the content-type the auth service expects.
type authCodec struct{}

func (authCodec) Name() string { return "proto" }

func (authCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *validateTokenRequest:
		var b []byte
		if m.Token != "" {
			b = protowire.AppendTag(b, 1, protowire.BytesType)
			b = protowire.AppendString(b, m.Token)
		}
		return b, nil
	case *validateTokenResponse:
		var b []byte
		if m.Valid {
			b = protowire.AppendTag(b, 1, protowire.VarintType)
			b = protowire.AppendVarint(b, 1)
		}
		if m.UserID != 0 {
			b = protowire.AppendTag(b, 2, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(m.UserID))
		}
		if m.Role != "" {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendString(b, m.Role)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("auth codec: unsupported message %T", v)
	}
}

func (authCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *validateTokenRequest:
		return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == 1 && typ == protowire.BytesType {
				s, n := protowire.ConsumeString(b)
				m.Token = s
				return n, nil
			}
			return skip(num, typ, b), nil
		})
	case *validateTokenResponse:
		return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == 1 && typ == protowire.VarintType:
				x, n := protowire.ConsumeVarint(b)
				m.Valid = x != 0
				return n, nil
			case num == 2 && typ == protowire.VarintType:
				x, n := protowire.ConsumeVarint(b)
				m.UserID = int64(x)
				return n, nil
			case num == 3 && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				m.Role = s
				return n, nil
			}
			return skip(num, typ, b), nil
		})
	default:
		return fmt.Errorf("auth codec: unsupported message %T", v)
	}
}

func walkFields(data []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) int {
	return protowire.ConsumeFieldValue(num, typ, b)
}
