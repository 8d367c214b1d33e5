package models

import "encoding/json"

// Frame is one inbound JSON-RPC 2.0 frame from the Deribit websocket.
// Responses carry an ID matching the request; push notifications carry
// Method "subscription" and a Params block instead.
type Frame struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      int64               `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
	Params  *SubscriptionParams `json:"params,omitempty"`
}

// RPCError is the error object of a failed JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SubscriptionParams wraps the channel name and raw payload of a push
// notification. Data stays raw so decoding failures are contained per
// message instead of killing the read loop.
type SubscriptionParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// IsNotification reports whether the frame is a subscription push rather
// than a response to one of our requests.
func (f Frame) IsNotification() bool {
	return f.Method == "subscription" && f.Params != nil
}

// AuthResult mirrors the result block of a public/auth response.
type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}
