// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpclient

import (
	"net/url"
	"strings"
)

// sensitiveParams are query parameter fragments whose values never reach logs.
var sensitiveParams = []string{
	"api_key",
	"apikey",
	"token",
	"password",
	"auth",
	"secret",
	"key",
	"credential",
	"signature",
}

// SanitizeURL renders u with sensitive query values and userinfo redacted.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	safe := *u
	if safe.User != nil {
		safe.User = url.User("REDACTED")
	}

	q := u.Query()
	for param := range q {
		if isSensitiveParam(param) {
			q.Set(param, "[REDACTED]")
		}
	}
	safe.RawQuery = q.Encode()
	return safe.String()
}

// SanitizeEndpoint is SanitizeURL for a raw string. Unparseable input is
// replaced wholesale so secrets are not echoed back.
func SanitizeEndpoint(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable]"
	}
	return SanitizeURL(u)
}

func isSensitiveParam(param string) bool {
	lower := strings.ToLower(param)
	for _, sensitive := range sensitiveParams {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}
