package remote

import "context"

// FunctionClient invokes server-shared business logic deployed as edge
// functions (expiry sweeps, seat-quantity reconciliation).
type FunctionClient struct {
	client *Client
	auth   Authorizer
}

func NewFunctionClient(client *Client, auth Authorizer) *FunctionClient {
	return &FunctionClient{client: client, auth: auth}
}

// Invoke calls a named function with a JSON payload and decodes the JSON
// reply into dest (nil dest discards it).
func (f *FunctionClient) Invoke(ctx context.Context, name string, payload any, dest any) error {
	return WithAuthRetry(ctx, f.auth, func(token string) error {
		return f.client.do(ctx, "POST", "/functions/v1/"+name, nil, token, payload, dest)
	})
}
