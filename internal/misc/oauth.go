package misc

import (
	"fmt"
	"net/url"
	"strings"
)

// OAuthCallback captures the parsed OAuth callback parameters.
type OAuthCallback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseOAuthCallback extracts OAuth parameters from whatever the user pasted:
// a full redirect URL, a bare query string, or the "code#state" value shown
// by the Claude consent page. It returns nil when the input is empty.
func ParseOAuthCallback(input string) (*OAuthCallback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}

	if !strings.Contains(trimmed, "://") && !strings.ContainsAny(trimmed, "?=/") {
		code, state, _ := strings.Cut(trimmed, "#")
		if code == "" {
			return nil, fmt.Errorf("callback input missing code")
		}
		return &OAuthCallback{Code: code, State: state}, nil
	}

	candidate := trimmed
	if !strings.Contains(candidate, "://") {
		switch {
		case strings.HasPrefix(candidate, "?"):
			candidate = "http://localhost" + candidate
		case strings.HasPrefix(candidate, "/"):
			candidate = "http://localhost" + candidate
		case strings.Contains(candidate, "=") && !strings.Contains(candidate, "/"):
			candidate = "http://localhost/?" + candidate
		default:
			candidate = "http://" + candidate
		}
	}

	parsedURL, err := url.Parse(candidate)
	if err != nil {
		return nil, err
	}

	query := parsedURL.Query()
	code := strings.TrimSpace(query.Get("code"))
	state := strings.TrimSpace(query.Get("state"))
	errCode := strings.TrimSpace(query.Get("error"))
	errDesc := strings.TrimSpace(query.Get("error_description"))

	if parsedURL.Fragment != "" {
		if fragQuery, errFrag := url.ParseQuery(parsedURL.Fragment); errFrag == nil {
			if code == "" {
				code = strings.TrimSpace(fragQuery.Get("code"))
			}
			if state == "" {
				state = strings.TrimSpace(fragQuery.Get("state"))
			}
			if errCode == "" {
				errCode = strings.TrimSpace(fragQuery.Get("error"))
			}
			if errDesc == "" {
				errDesc = strings.TrimSpace(fragQuery.Get("error_description"))
			}
		}
		// Claude appends the state as a bare fragment: ?code=abc#state
		if code != "" && state == "" && !strings.Contains(parsedURL.Fragment, "=") {
			state = strings.TrimSpace(parsedURL.Fragment)
		}
	}

	if code != "" && state == "" && strings.Contains(code, "#") {
		code, state, _ = strings.Cut(code, "#")
	}

	if errCode == "" && errDesc != "" {
		errCode = errDesc
		errDesc = ""
	}

	if code == "" && errCode == "" {
		return nil, fmt.Errorf("callback URL missing code")
	}

	return &OAuthCallback{
		Code:             code,
		State:            state,
		Error:            errCode,
		ErrorDescription: errDesc,
	}, nil
}
