/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package validation

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonebot/noneflow/pypi"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
)

// fakePyPI resolves projects from a fixed map and treats every https URL it
// knows about as reachable.
type fakePyPI struct {
	projects map[string]*pypi.Project
	deadURLs map[string]int
}

func (f *fakePyPI) Project(_ context.Context, link string) (*pypi.Project, error) {
	if p, ok := f.projects[pypi.NormalizeName(link)]; ok {
		return p, nil
	}
	return nil, pypi.ErrNotFound
}

func (f *fakePyPI) CheckURL(_ context.Context, url string) (int, string) {
	if status, ok := f.deadURLs[url]; ok {
		return status, "not found"
	}
	return 200, ""
}

func testContext() Context {
	return Context{
		Store: store.Snapshot{
			store.KindBot: {
				store.Bot{Name: "CoolQBot", Homepage: "https://github.com/he0119/CoolQBot"},
			},
			store.KindAdapter: {
				store.Adapter{
					ModuleName:  "nonebot.adapters.onebot.v11",
					ProjectLink: "nonebot-adapter-onebot",
				},
			},
			store.KindPlugin: {
				store.Plugin{
					ModuleName:  "nonebot_plugin_datastore",
					ProjectLink: "nonebot-plugin-datastore",
				},
			},
		},
		PyPI: &fakePyPI{
			projects: map[string]*pypi.Project{
				"nonebot-plugin-treehelp": {
					Name:       "nonebot-plugin-treehelp",
					Version:    "0.5.0",
					UploadTime: "2024-07-13T04:41:40.905441Z",
				},
				"nonebot-plugin-datastore": {
					Name:       "nonebot-plugin-datastore",
					Version:    "1.3.0",
					UploadTime: "2024-01-01T00:00:00.000000Z",
				},
				"nonebot2": {
					Name:       "nonebot2",
					Version:    "2.4.0",
					UploadTime: "2024-10-31T13:47:14.152851Z",
				},
			},
			deadURLs: map[string]int{"https://www.baidu.com": 404},
		},
	}
}

func errorKinds(r *Result) []string {
	kinds := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestBotValid(t *testing.T) {
	r := Bot(context.Background(), testContext(), Fields{
		Name:     "TestBot",
		Desc:     "测试机器人",
		Homepage: "https://github.com/test/bot",
		Tags:     `[{"label": "test", "color": "#ffffff"}]`,
		Author:   "test",
		AuthorID: 1,
	})
	require.True(t, r.Valid(), "errors: %v", r.Errors)

	want := store.Bot{
		Name:     "TestBot",
		Desc:     "测试机器人",
		Author:   "test",
		AuthorID: 1,
		Homepage: "https://github.com/test/bot",
		Tags:     []store.Tag{{Label: "test", Color: "#ffffff"}},
	}
	if diff := cmp.Diff(want, r.Entry); diff != "" {
		t.Errorf("entry mismatch (-want +got):\n%s", diff)
	}
}

func TestBotErrors(t *testing.T) {
	c := testContext()

	// Missing everything.
	r := Bot(context.Background(), c, Fields{})
	assert.False(t, r.Valid())
	assert.ElementsMatch(t, []string{KindMissing, KindMissing, KindMissing, KindMissing}, errorKinds(r))

	// Duplicate of an existing bot.
	r = Bot(context.Background(), c, Fields{
		Name:     "CoolQBot",
		Desc:     "重复",
		Homepage: "https://github.com/he0119/CoolQBot",
		Tags:     "[]",
	})
	assert.Contains(t, errorKinds(r), KindDuplication)

	// Unreachable homepage carries the probe status.
	r = Bot(context.Background(), c, Fields{
		Name:     "TestBot",
		Desc:     "测试",
		Homepage: "https://www.baidu.com",
		Tags:     "[]",
	})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, KindHomepage, r.Errors[0].Kind)
	assert.Equal(t, 404, r.Errors[0].Ctx["status_code"])

	// Name over the limit.
	long := make([]rune, NameMaxLength+1)
	for i := range long {
		long[i] = '测'
	}
	r = Bot(context.Background(), c, Fields{
		Name:     string(long),
		Desc:     "测试",
		Homepage: "https://github.com/test/bot",
		Tags:     "[]",
	})
	assert.Contains(t, errorKinds(r), KindStringTooLong)
}

func TestTags(t *testing.T) {
	c := testContext()
	base := Fields{Name: "TestBot", Desc: "d", Homepage: "https://github.com/test/bot"}

	// Not JSON at all.
	base.Tags = "not json"
	assert.Equal(t, []string{KindJSONType}, errorKinds(Bot(context.Background(), c, base)))

	// Too many tags.
	base.Tags = `[{"label":"a","color":"#fff"},{"label":"b","color":"#fff"},{"label":"c","color":"#fff"},{"label":"d","color":"#fff"}]`
	assert.Equal(t, []string{KindTooLong}, errorKinds(Bot(context.Background(), c, base)))

	// Label too long, color broken.
	base.Tags = `[{"label":"0123456789a","color":"#fff"},{"label":"ok","color":"red"}]`
	assert.ElementsMatch(t, []string{KindStringTooLong, KindColor}, errorKinds(Bot(context.Background(), c, base)))

	// The t: prefix is stripped and short hex expands to long form.
	base.Tags = `[{"label":"t:test","color":"#FFF"}]`
	r := Bot(context.Background(), c, base)
	require.True(t, r.Valid(), "errors: %v", r.Errors)
	assert.Equal(t, []store.Tag{{Label: "test", Color: "#ffffff"}}, r.Entry.(store.Bot).Tags)
}

func TestAdapterValid(t *testing.T) {
	r := Adapter(context.Background(), testContext(), Fields{
		Name:        "OneBot V12",
		Desc:        "OneBot V12 协议",
		Homepage:    "https://onebot.dev/",
		ProjectLink: "nonebot-plugin-treehelp",
		ModuleName:  "nonebot.adapters.onebot.v12",
		Tags:        "[]",
		Author:      "test",
		AuthorID:    1,
	})
	require.True(t, r.Valid(), "errors: %v", r.Errors)
	adapter := r.Entry.(store.Adapter)
	assert.Equal(t, "nonebot-plugin-treehelp", adapter.ProjectLink)
	assert.Equal(t, "nonebot.adapters.onebot.v12", adapter.ModuleName)
}

func TestProjectLinkErrors(t *testing.T) {
	c := testContext()
	base := Fields{
		Name:       "Test",
		Desc:       "d",
		Homepage:   "https://github.com/test/adapter",
		ModuleName: "test_adapter",
		Tags:       "[]",
	}

	base.ProjectLink = "project_link/"
	assert.Equal(t, []string{KindProjectLinkName}, errorKinds(Adapter(context.Background(), c, base)))

	base.ProjectLink = "does-not-exist"
	assert.Equal(t, []string{KindProjectLinkNotFound}, errorKinds(Adapter(context.Background(), c, base)))

	base.ProjectLink = "nonebot-plugin-treehelp"
	base.ModuleName = "module name"
	assert.Equal(t, []string{KindModuleName}, errorKinds(Adapter(context.Background(), c, base)))
}

func TestDriverBuiltin(t *testing.T) {
	r := Driver(context.Background(), testContext(), Fields{
		Name:        "None",
		Desc:        "None 驱动器",
		Homepage:    "/docs/advanced/driver",
		ProjectLink: "",
		ModuleName:  "~none",
		Tags:        "[]",
		Author:      "test",
		AuthorID:    1,
	})
	require.True(t, r.Valid(), "errors: %v", r.Errors)

	driver := r.Entry.(store.Driver)
	assert.Equal(t, "~none", driver.ModuleName)
	assert.Equal(t, "", driver.ProjectLink)
	// Built-in drivers version with nonebot2.
	assert.Equal(t, "2.4.0", driver.Version)
	assert.Equal(t, "2024-10-31T13:47:14.152851Z", driver.Time)
}

func TestPluginValid(t *testing.T) {
	c := testContext()
	homepage := "https://github.com/he0119/nonebot-plugin-treehelp"
	typ := "application"
	adapters := []string{"~onebot.v11"}
	c.Outcome = &sandbox.Outcome{
		Run:     true,
		Load:    true,
		Version: "0.5.0",
		Metadata: &sandbox.Metadata{
			Name:              "帮助",
			Desc:              "获取插件帮助信息",
			Homepage:          &homepage,
			Type:              &typ,
			SupportedAdapters: &adapters,
		},
	}

	r := Plugin(context.Background(), c, Fields{
		ProjectLink: "nonebot-plugin-treehelp",
		ModuleName:  "nonebot_plugin_treehelp",
		Tags:        "[]",
		Author:      "he0119",
		AuthorID:    1,
	})
	require.True(t, r.Valid(), "errors: %v", r.Errors)

	plugin := r.Entry.(store.Plugin)
	assert.Equal(t, "帮助", plugin.Name)
	assert.True(t, plugin.Valid)
	assert.False(t, plugin.SkipTest)
	assert.Equal(t, "0.5.0", plugin.Version)
	// Shorthand adapter names are expanded.
	require.NotNil(t, plugin.SupportedAdapters)
	assert.Equal(t, []string{"nonebot.adapters.onebot.v11"}, *plugin.SupportedAdapters)
}

func TestPluginLoadFailure(t *testing.T) {
	c := testContext()
	c.Outcome = &sandbox.Outcome{Run: true, Load: false, Output: "ImportError: boom"}

	r := Plugin(context.Background(), c, Fields{
		ProjectLink: "nonebot-plugin-treehelp",
		ModuleName:  "nonebot_plugin_treehelp",
		Tags:        "[]",
	})
	assert.False(t, r.Valid())
	assert.ElementsMatch(t, []string{KindPluginTest, KindPluginMetadata}, errorKinds(r))
	for _, e := range r.Errors {
		if e.Kind == KindPluginTest {
			assert.Equal(t, "ImportError: boom", e.Ctx["output"])
		}
	}
}

func TestPluginSkipTest(t *testing.T) {
	c := testContext()
	c.SkipTest = true

	r := Plugin(context.Background(), c, Fields{
		Name:              "帮助",
		Desc:              "获取插件帮助信息",
		Homepage:          "https://github.com/he0119/nonebot-plugin-treehelp",
		ProjectLink:       "nonebot-plugin-treehelp",
		ModuleName:        "nonebot_plugin_treehelp",
		Tags:              "[]",
		Type:              "application",
		SupportedAdapters: `["~onebot.v11"]`,
		Author:            "he0119",
		AuthorID:          1,
	})
	require.True(t, r.Valid(), "errors: %v", r.Errors)

	plugin := r.Entry.(store.Plugin)
	assert.True(t, plugin.SkipTest)
	// Without a test run the version comes from PyPI.
	assert.Equal(t, "0.5.0", plugin.Version)
}

func TestPluginErrors(t *testing.T) {
	c := testContext()
	c.SkipTest = true
	base := Fields{
		Name:        "帮助",
		Desc:        "d",
		Homepage:    "https://github.com/he0119/nonebot-plugin-treehelp",
		ProjectLink: "nonebot-plugin-treehelp",
		ModuleName:  "nonebot_plugin_treehelp",
		Tags:        "[]",
	}

	// Bad type.
	f := base
	f.Type = "other"
	assert.Equal(t, []string{KindPluginType}, errorKinds(Plugin(context.Background(), c, f)))

	// Unknown adapter.
	f = base
	f.Type = "application"
	f.SupportedAdapters = `["missing.adapter"]`
	r := Plugin(context.Background(), c, f)
	require.Equal(t, []string{KindSupportedAdaptersMissing}, errorKinds(r))
	assert.Equal(t, []string{"missing.adapter"}, r.Errors[0].Ctx["missing_adapters"])

	// Duplicate of the store.
	f = base
	f.Type = "application"
	f.ProjectLink = "nonebot-plugin-datastore"
	f.ModuleName = "nonebot_plugin_datastore"
	assert.Equal(t, []string{KindDuplication}, errorKinds(Plugin(context.Background(), c, f)))
}

func TestResolveAdapter(t *testing.T) {
	assert.Equal(t, "nonebot.adapters.onebot.v11", ResolveAdapter("~onebot.v11"))
	assert.Equal(t, "nonebot.adapters.onebot.v11", ResolveAdapter("nonebot.adapters.onebot.v11"))
}
