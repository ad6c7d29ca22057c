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

package errors

// ErrorClassifier defines methods for programmatic error handling.
// Transport layers use it to map gateway errors onto wire status codes
// without switching on concrete types.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "validation", "not_found", "rate_limited", "no_candidate", "proxy"
	ErrorType() string

	// IsRetryable returns true if the caller may retry with a fresh request.
	IsRetryable() bool
}
