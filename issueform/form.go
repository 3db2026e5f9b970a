/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package issueform extracts typed fields from the Markdown issue forms the
// registry uses for publish, remove, and config submissions, and re-emits
// bodies in canonical form.
//
// A field is a `### <heading>` block whose value runs to the next heading or
// the end of the body. The heading set depends on the (work kind, publish
// kind) pair of the issue's labels.
package issueform

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nonebot/noneflow/store"
)

// Issue form headings. These are part of the contract with the repository's
// issue templates and must match them byte for byte.
const (
	ProjectLinkHeading = "PyPI 项目名"
	TagsHeading        = "标签"

	BotNameHeading     = "机器人名称"
	BotDescHeading     = "机器人描述"
	BotHomepageHeading = "机器人项目仓库/主页链接"

	AdapterModuleHeading   = "适配器 import 包名"
	AdapterNameHeading     = "适配器名称"
	AdapterDescHeading     = "适配器描述"
	AdapterHomepageHeading = "适配器项目仓库/主页链接"

	DriverModuleHeading   = "驱动器 import 包名"
	DriverNameHeading     = "驱动器名称"
	DriverDescHeading     = "驱动器描述"
	DriverHomepageHeading = "驱动器项目仓库/主页链接"

	PluginModuleHeading            = "插件 import 包名"
	PluginNameHeading              = "插件名称"
	PluginDescHeading              = "插件描述"
	PluginHomepageHeading          = "插件项目仓库/主页链接"
	PluginTypeHeading              = "插件类型"
	PluginSupportedAdaptersHeading = "插件支持的适配器"
	PluginConfigHeading            = "插件配置项"
	PluginTestHeading              = "插件测试"

	RemoveHomepageHeading = "项目主页"
)

// TestButtonLabel is the label of the retest checkbox in plugin issues.
const TestButtonLabel = "单击左侧按钮重新测试，完成时勾选框将被选中"

// TestingNotice replaces the retest checkbox while a sandbox run is in
// flight.
const TestingNotice = "🔥 测试中，请稍候"

var (
	testButtonPattern = regexp.MustCompile(`- \[([ x])\] ` + regexp.QuoteMeta(TestButtonLabel))
	testingPattern    = regexp.MustCompile(`- \[x\] ` + regexp.QuoteMeta(TestingNotice))
	configPattern     = regexp.MustCompile("### " + PluginConfigHeading + "\\s+```(?:\\w+)?\\s?([\\s\\S]*?)```")
)

// PublishFields maps validator field names to issue form headings for a
// publish submission of the given kind. Plugin metadata fields are only
// consulted when the load test is skipped; MetadataFields lists them.
func PublishFields(kind store.Kind) map[string]string {
	switch kind {
	case store.KindBot:
		return map[string]string{
			"name":     BotNameHeading,
			"desc":     BotDescHeading,
			"homepage": BotHomepageHeading,
			"tags":     TagsHeading,
		}
	case store.KindAdapter:
		return map[string]string{
			"module_name":  AdapterModuleHeading,
			"project_link": ProjectLinkHeading,
			"name":         AdapterNameHeading,
			"desc":         AdapterDescHeading,
			"homepage":     AdapterHomepageHeading,
			"tags":         TagsHeading,
		}
	case store.KindDriver:
		return map[string]string{
			"module_name":  DriverModuleHeading,
			"project_link": ProjectLinkHeading,
			"name":         DriverNameHeading,
			"desc":         DriverDescHeading,
			"homepage":     DriverHomepageHeading,
			"tags":         TagsHeading,
		}
	case store.KindPlugin:
		return map[string]string{
			"module_name":  PluginModuleHeading,
			"project_link": ProjectLinkHeading,
			"tags":         TagsHeading,
		}
	}
	return nil
}

// MetadataFields maps plugin metadata field names to their headings. These
// are normally provided by the load test; the issue form supplies them only
// for skip-test submissions.
func MetadataFields() map[string]string {
	return map[string]string{
		"name":               PluginNameHeading,
		"desc":               PluginDescHeading,
		"homepage":           PluginHomepageHeading,
		"type":               PluginTypeHeading,
		"supported_adapters": PluginSupportedAdaptersHeading,
	}
}

// MetadataHeadings lists the plugin metadata headings in canonical order.
func MetadataHeadings() []string {
	return []string{
		PluginNameHeading,
		PluginDescHeading,
		PluginHomepageHeading,
		PluginTypeHeading,
		PluginSupportedAdaptersHeading,
	}
}

// ExtractField returns the value under the given heading, or "" when the
// heading is absent or empty.
func ExtractField(body, heading string) string {
	// The value starts at the first non-whitespace rune after the heading
	// and runs to the next heading or the end of the body.
	re := regexp.MustCompile(`(?s)### ` + regexp.QuoteMeta(heading) + `\s+([^\s#].*?)(?:\s+###|\s*\z)`)
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractFields applies ExtractField for every (field, heading) pair.
func ExtractFields(body string, fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for name, heading := range fields {
		out[name] = ExtractField(body, heading)
	}
	return out
}

// ExtractConfig returns the contents of the fenced code block under the
// plugin config heading, or "".
func ExtractConfig(body string) string {
	m := configPattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}

// EnsureHeadings prepends any missing headings in the given order, then
// appends the original body verbatim. The second return reports whether the
// body changed.
func EnsureHeadings(body string, headings []string) (string, bool) {
	var missing []string
	for _, h := range headings {
		if !regexp.MustCompile(`### ` + regexp.QuoteMeta(h) + `\s+`).MatchString(body) {
			missing = append(missing, "### "+h)
		}
	}
	if len(missing) == 0 {
		return body, false
	}
	return strings.Join(append(missing, body), "\n\n"), true
}

// ButtonState describes the retest checkbox.
type ButtonState int

const (
	// ButtonAbsent means the body has no retest checkbox yet.
	ButtonAbsent ButtonState = iota
	// ButtonUnchecked is the armed one-shot state.
	ButtonUnchecked
	// ButtonChecked means the user requested a retest.
	ButtonChecked
	// ButtonTesting is the transient in-progress notice.
	ButtonTesting
)

// TestButtonState reports the current retest checkbox state.
func TestButtonState(body string) ButtonState {
	if testingPattern.MatchString(body) {
		return ButtonTesting
	}
	m := testButtonPattern.FindStringSubmatch(body)
	if m == nil {
		return ButtonAbsent
	}
	if m[1] == "x" {
		return ButtonChecked
	}
	return ButtonUnchecked
}

// SetTestButton rewrites the retest checkbox to the requested state,
// appending the test section when the body has none. Only ButtonUnchecked,
// ButtonChecked, and ButtonTesting are valid targets.
func SetTestButton(body string, state ButtonState) string {
	var line string
	switch state {
	case ButtonUnchecked:
		line = "- [ ] " + TestButtonLabel
	case ButtonChecked:
		line = "- [x] " + TestButtonLabel
	case ButtonTesting:
		line = "- [x] " + TestingNotice
	default:
		return body
	}

	if loc := testingPattern.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + line + body[loc[1]:]
	}
	if loc := testButtonPattern.FindStringIndex(body); loc != nil {
		return body[:loc[0]] + line + body[loc[1]:]
	}
	return fmt.Sprintf("%s\n\n### %s\n\n%s", body, PluginTestHeading, line)
}
