package folio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	MFARequired  bool   `json:"mfa_required"`
}

// Login authenticates with email and password, populating the session on
// success. When the account requires multi-factor authentication and no code
// was supplied, ErrLoginMFARequired is returned and the session is left
// untouched. The user profile is fetched after the tokens are stored.
//
// Login bypasses the 401-recovery path deliberately: an authorization failure
// here means bad credentials, not an expired token.
func (c *Client) Login(ctx context.Context, email, password, mfaCode string) error {
	body := loginRequest{Email: email, Password: password, MFACode: mfaCode}
	resp, err := c.dispatch(ctx, Request{Method: http.MethodPost, Path: loginPath, Body: body}, "")
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("malformed login response: %w", err)
	}

	if result.MFARequired {
		return ErrLoginMFARequired
	}
	if result.AccessToken == "" {
		return fmt.Errorf("login response missing access token")
	}

	c.session.SetTokens(result.AccessToken, result.RefreshToken)
	c.logger.Info().Str("email", email).Msg("logged in")

	user, err := c.FetchUser(ctx)
	if err != nil {
		// The login itself succeeded; the profile can be fetched later.
		c.logger.Warn().Err(err).Msg("failed to fetch user profile after login")
		return nil
	}
	c.session.SetUser(user)
	return nil
}

// FetchUser retrieves the authenticated profile.
func (c *Client) FetchUser(ctx context.Context) (*User, error) {
	if !c.session.IsAuthenticated() {
		return nil, ErrNotAuthenticated
	}
	var user User
	if err := c.GetJSON(ctx, mePath, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, nil
}

// Logout clears the session. The server-side logout call is best effort: the
// local session is wiped regardless of the wire outcome.
func (c *Client) Logout(ctx context.Context) error {
	if token := c.session.AccessToken(); token != "" {
		resp, err := c.dispatch(ctx, Request{Method: http.MethodPost, Path: logoutPath}, token)
		if err != nil {
			c.logger.Warn().Err(err).Msg("server-side logout failed")
		} else {
			resp.Body.Close()
		}
	}

	c.session.Clear()
	c.logger.Info().Msg("logged out")
	return nil
}
