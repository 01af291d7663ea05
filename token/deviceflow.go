package token

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/qrelay/qrelay/common/client"
)

const (
	oidcBaseURL = "https://oidc.us-east-1.amazonaws.com"
	// startURL identifies the AWS Builder ID directory for Amazon Q.
	startURL = "https://view.awsapps.com/start"

	deviceCodeGrant = "urn:ietf:params:oauth:grant-type:device_code"

	// pollCeiling caps how long a claim can block, regardless of the
	// provider's advertised expires_in.
	pollCeiling = 5 * time.Minute
)

// ErrAuthTimeout means the user did not approve the device code within
// the polling ceiling. API layers map it to 408.
var ErrAuthTimeout = errors.New("device authorization timed out")

// DeviceAuthorization is the provider's device-code grant descriptor.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationUri         string `json:"verificationUri"`
	VerificationUriComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// DeviceTokens is the result of a completed device-code grant.
type DeviceTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int    `json:"expiresIn"`
}

func oidcPost(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal oidc payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, oidcBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build oidc request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", amazonQUserAgent)
	req.Header.Set("X-Amz-User-Agent", amazonQAmzUserAgent)

	resp, err := client.ImpatientHTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post oidc request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read oidc response")
	}
	if resp.StatusCode != http.StatusOK {
		return &oidcError{StatusCode: resp.StatusCode, Body: respBody}
	}
	return errors.Wrap(json.Unmarshal(respBody, out), "parse oidc response")
}

type oidcError struct {
	StatusCode int
	Body       []byte
}

func (e *oidcError) Error() string {
	return "oidc error " + http.StatusText(e.StatusCode) + ": " + string(e.Body)
}

func (e *oidcError) code() string {
	var parsed struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(e.Body, &parsed)
	return parsed.Error
}

// RegisterClient registers a throwaway public OIDC client for one
// device-code session.
func RegisterClient(ctx context.Context) (clientId, clientSecret string, err error) {
	var out struct {
		ClientId     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	err = oidcPost(ctx, "/client/register", map[string]any{
		"clientName": "qrelay-" + time.Now().Format("20060102150405"),
		"clientType": "public",
		"scopes":     []string{"codewhisperer:completions", "codewhisperer:analysis"},
	}, &out)
	if err != nil {
		return "", "", errors.Wrap(err, "register oidc client")
	}
	return out.ClientId, out.ClientSecret, nil
}

// StartDeviceAuthorization requests a device code for the registered
// client.
func StartDeviceAuthorization(ctx context.Context, clientId, clientSecret string) (*DeviceAuthorization, error) {
	var out DeviceAuthorization
	err := oidcPost(ctx, "/device_authorization", map[string]string{
		"clientId":     clientId,
		"clientSecret": clientSecret,
		"startUrl":     startURL,
	}, &out)
	if err != nil {
		return nil, errors.Wrap(err, "start device authorization")
	}
	if out.Interval <= 0 {
		out.Interval = 5
	}
	return &out, nil
}

// PollDeviceToken polls the token endpoint at the provider's interval
// until the user approves, an unrecoverable error occurs, or the
// 5-minute ceiling passes.
func PollDeviceToken(ctx context.Context, clientId, clientSecret, deviceCode string, intervalSec, expiresInSec int) (*DeviceTokens, error) {
	if intervalSec <= 0 {
		intervalSec = 5
	}
	deadline := time.Duration(expiresInSec) * time.Second
	if deadline <= 0 || deadline > pollCeiling {
		deadline = pollCeiling
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	interval := time.Duration(intervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var out DeviceTokens
		err := oidcPost(ctx, "/token", map[string]string{
			"clientId":     clientId,
			"clientSecret": clientSecret,
			"deviceCode":   deviceCode,
			"grantType":    deviceCodeGrant,
		}, &out)
		if err == nil {
			if out.AccessToken == "" {
				return nil, errors.New("token response missing accessToken")
			}
			return &out, nil
		}

		var oe *oidcError
		if errors.As(err, &oe) {
			switch oe.code() {
			case "authorization_pending":
				// keep polling
			case "slow_down":
				interval += 5 * time.Second
				ticker.Reset(interval)
			case "expired_token":
				return nil, ErrAuthTimeout
			default:
				return nil, errors.Wrap(err, "poll device token")
			}
		} else if ctx.Err() != nil {
			return nil, ErrAuthTimeout
		} else {
			return nil, errors.Wrap(err, "poll device token")
		}

		select {
		case <-ctx.Done():
			return nil, ErrAuthTimeout
		case <-ticker.C:
		}
	}
}
