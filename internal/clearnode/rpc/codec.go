package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned for frames that do not follow the wire format.
	ErrMalformed = errors.New("rpc: malformed frame")
	// ErrUnknownMethod is returned for well-formed frames whose method (in
	// that direction) is not part of the message set.
	ErrUnknownMethod = errors.New("rpc: unknown method")
)

// frame is the outer JSON object of every message.
type frame struct {
	Req json.RawMessage `json:"req,omitempty"`
	Res json.RawMessage `json:"res,omitempty"`
	Sig []string        `json:"sig"`
	Err json.RawMessage `json:"error,omitempty"`
}

type decodeFunc func(json.RawMessage) (Message, error)

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

var requestDecoders = map[Method]decodeFunc{
	MethodAuthRequest:       decodeAs[AuthRequest],
	MethodAuthVerify:        decodeAs[AuthVerify],
	MethodCreateChannel:     decodeAs[CreateChannel],
	MethodResizeChannel:     decodeAs[ResizeChannel],
	MethodCloseChannel:      decodeAs[CloseChannel],
	MethodGetLedgerBalances: decodeAs[GetLedgerBalances],
}

var responseDecoders = map[Method]decodeFunc{
	MethodAuthChallenge:     decodeAs[AuthChallenge],
	MethodAuthVerify:        decodeAs[AuthVerified],
	MethodCreateChannel:     decodeAs[ChannelCreated],
	MethodResizeChannel:     decodeAs[ChannelResized],
	MethodCloseChannel:      decodeAs[ChannelClosed],
	MethodChannels:          decodeAs[ChannelsPush],
	MethodChannelUpdate:     decodeAs[ChannelUpdate],
	MethodBalanceUpdate:     decodeAs[BalanceUpdate],
	MethodGetLedgerBalances: decodeAs[LedgerBalances],
	MethodError:             decodeError,
}

// RequestPayload returns the JSON request tuple that is signed and placed in
// the "req" slot.
func RequestPayload(requestID uint64, msg Message, timestamp uint64) ([]byte, error) {
	if msg == nil || msg.isResponse() {
		return nil, fmt.Errorf("rpc: request payload: %T is not a request", msg)
	}
	return tuple(requestID, msg, timestamp)
}

// Encode renders env as a wire frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("rpc: encode: nil message")
	}
	payload, err := tuple(env.RequestID, env.Message, env.Timestamp)
	if err != nil {
		return nil, err
	}
	return Frame(payload, env.Message.isResponse(), env.Signatures)
}

// Frame wraps an already encoded tuple with its signatures.
func Frame(payload []byte, response bool, sigs []string) ([]byte, error) {
	f := frame{Sig: sigs}
	if f.Sig == nil {
		f.Sig = []string{}
	}
	if response {
		f.Res = payload
	} else {
		f.Req = payload
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		raw      json.RawMessage
		decoders map[Method]decodeFunc
	)
	switch {
	case len(f.Res) > 0:
		raw, decoders = f.Res, responseDecoders
	case len(f.Req) > 0:
		raw, decoders = f.Req, requestDecoders
	case len(f.Err) > 0:
		m, err := decodeError(f.Err)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: error body: %v", ErrMalformed, err)
		}
		return Envelope{Message: m, Signatures: f.Sig}, nil
	default:
		return Envelope{}, fmt.Errorf("%w: neither req nor res present", ErrMalformed)
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return Envelope{}, fmt.Errorf("%w: tuple: %v", ErrMalformed, err)
	}
	if len(parts) < 3 {
		return Envelope{}, fmt.Errorf("%w: tuple has %d elements", ErrMalformed, len(parts))
	}

	env := Envelope{Signatures: f.Sig}
	if err := json.Unmarshal(parts[0], &env.RequestID); err != nil {
		return Envelope{}, fmt.Errorf("%w: request id: %v", ErrMalformed, err)
	}
	var method Method
	if err := json.Unmarshal(parts[1], &method); err != nil {
		return Envelope{}, fmt.Errorf("%w: method: %v", ErrMalformed, err)
	}
	if len(parts) > 3 {
		// Timestamps are informational; tolerate odd encodings.
		_ = json.Unmarshal(parts[3], &env.Timestamp)
	}

	decode, ok := decoders[method]
	if !ok {
		return env, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	msg, err := decode(unwrapParams(parts[2]))
	if err != nil {
		return env, fmt.Errorf("%w: %s params: %v", ErrMalformed, method, err)
	}
	env.Message = msg
	return env, nil
}

func tuple(requestID uint64, msg Message, timestamp uint64) ([]byte, error) {
	params, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s params: %w", msg.Method(), err)
	}
	data, err := json.Marshal([]any{requestID, msg.Method(), json.RawMessage(params), timestamp})
	if err != nil {
		return nil, fmt.Errorf("rpc: encode %s: %w", msg.Method(), err)
	}
	return data, nil
}

// unwrapParams accepts the older single-element array form of params.
func unwrapParams(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return raw
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err != nil || len(arr) != 1 {
		return raw
	}
	return arr[0]
}

// decodeError accepts {"error":"..."}, {"message":"..."} and a bare string.
func decodeError(raw json.RawMessage) (Message, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ErrorReply{Reason: s}, nil
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	if obj.Error == "" {
		obj.Error = obj.Message
	}
	return ErrorReply{Reason: obj.Error}, nil
}
