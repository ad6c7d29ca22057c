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

package registry

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/yosida95/uritemplate/v3"
)

// resourcePattern is a compiled entry of ServerRecord.Resources.
type resourcePattern struct {
	raw      string
	prefix   string
	glob     bool
	template *uritemplate.Template
}

func compileResource(raw string) (resourcePattern, error) {
	p := resourcePattern{raw: raw}
	switch {
	case strings.ContainsAny(raw, "{}"):
		tmpl, err := uritemplate.New(raw)
		if err != nil {
			return p, fmt.Errorf("invalid URI template %q: %w", raw, err)
		}
		p.template = tmpl
	case strings.HasSuffix(raw, "*") && strings.Count(raw, "*") == 1 && !strings.ContainsAny(raw, "?["):
		p.prefix = strings.TrimSuffix(raw, "*")
	case strings.ContainsAny(raw, "*?["):
		// Globs such as "file:///repo/**/*.md"; "*" stops at "/".
		if !doublestar.ValidatePattern(raw) {
			return p, fmt.Errorf("invalid resource glob %q", raw)
		}
		p.glob = true
	case strings.HasSuffix(raw, "/"):
		p.prefix = raw
	}
	return p, nil
}

func (p resourcePattern) matches(uri string) bool {
	if uri == p.raw {
		return true
	}
	if p.template != nil {
		return p.template.Match(uri) != nil
	}
	if p.glob {
		ok, err := doublestar.Match(p.raw, uri)
		return err == nil && ok
	}
	if p.prefix != "" {
		return strings.HasPrefix(uri, p.prefix)
	}
	return false
}

// entry is the cached form of a record with its compiled patterns.
type entry struct {
	rec      ServerRecord
	tools    map[string]struct{}
	tags     map[string]struct{}
	patterns []resourcePattern
}

func newEntry(rec ServerRecord) (*entry, error) {
	e := &entry{
		rec:   rec,
		tools: make(map[string]struct{}, len(rec.Tools)),
		tags:  make(map[string]struct{}, len(rec.Tags)),
	}
	for _, t := range rec.Tools {
		e.tools[t] = struct{}{}
	}
	for _, t := range rec.Tags {
		e.tags[t] = struct{}{}
	}
	for _, raw := range rec.Resources {
		p, err := compileResource(raw)
		if err != nil {
			return nil, err
		}
		e.patterns = append(e.patterns, p)
	}
	return e, nil
}

func (e *entry) hasTools(tools []string) bool {
	for _, t := range tools {
		if _, ok := e.tools[t]; !ok {
			return false
		}
	}
	return true
}

func (e *entry) hasTags(tags []string) bool {
	for _, t := range tags {
		if _, ok := e.tags[t]; !ok {
			return false
		}
	}
	return true
}

func (e *entry) servesResources(uris []string) bool {
	for _, uri := range uris {
		found := false
		for _, p := range e.patterns {
			if p.matches(uri) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *entry) matches(f Filter) bool {
	if !f.AllTenants && !e.rec.VisibleTo(f.TenantID) {
		return false
	}
	return e.hasTags(f.Tags) && e.hasTools(f.RequiredTools) && e.servesResources(f.RequiredResources)
}
