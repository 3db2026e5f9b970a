/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package validation

import (
	"fmt"
	"strings"
)

// Error kinds. Reported in comments and matched by tests; treat as part of
// the public surface.
const (
	KindMissing                  = "missing"
	KindStringTooLong            = "string_too_long"
	KindTooLong                  = "too_long"
	KindJSONType                 = "json_type"
	KindSetType                  = "set_type"
	KindColor                    = "color_error"
	KindHomepage                 = "homepage"
	KindDuplication              = "duplication"
	KindProjectLinkName          = "project_link.name"
	KindProjectLinkNotFound      = "project_link.not_found"
	KindModuleName               = "module_name"
	KindPluginType               = "plugin.type"
	KindPluginTest               = "plugin.test"
	KindPluginMetadata           = "plugin.metadata"
	KindSupportedAdaptersMissing = "supported_adapters.missing"
	KindRemoveHomepageMissing    = "remove.not_homepage"
	KindRemoveNotFound           = "remove.not_found"
	KindRemoveAuthorMismatch     = "remove.author_info"
)

// Error is a single validation failure, located by field path.
type Error struct {
	Loc     []string       `json:"loc"`
	Kind    string         `json:"type"`
	Message string         `json:"msg"`
	Input   string         `json:"input,omitempty"`
	Ctx     map[string]any `json:"ctx,omitempty"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", strings.Join(e.Loc, "."), e.Message)
}

func missingError(loc ...string) Error {
	return Error{Loc: loc, Kind: KindMissing, Message: "字段不存在"}
}

func tooLongError(max int, input string, loc ...string) Error {
	return Error{
		Loc:     loc,
		Kind:    KindStringTooLong,
		Message: fmt.Sprintf("字符串长度不能超过 %d 个字符", max),
		Input:   input,
		Ctx:     map[string]any{"max_length": max},
	}
}
