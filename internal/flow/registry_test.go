package flow

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/showrun/showrun/internal/types"
)

func mkStep(t *testing.T, id string, kind Kind, params string) *Step {
	t.Helper()
	s := &Step{ID: id, Type: kind}
	if params != "" {
		s.Params = json.RawMessage(params)
	}
	return s
}

// ============================================
// Per-Kind Validation Tests
// ============================================

func TestRegistryValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		kind    Kind
		params  string
		wantErr string // substring of an expected error, "" for valid
	}{
		{"navigate ok", KindNavigate, `{"url":"https://x.test"}`, ""},
		{"navigate missing url", KindNavigate, `{}`, `requires param "url"`},
		{"navigate bad waitUntil", KindNavigate, `{"url":"https://x.test","waitUntil":"sometime"}`, "unknown waitUntil"},
		{"wait_for needs condition", KindWaitFor, `{}`, "needs one of"},
		{"wait_for url ok", KindWaitFor, `{"url":"/done"}`, ""},
		{"click needs target", KindClick, `{}`, "requires a target"},
		{"click selector ok", KindClick, `{"selector":"#go"}`, ""},
		{"click invalid target", KindClick, `{"target":{"kind":"role"}}`, "invalid target"},
		{"fill ok", KindFill, `{"selector":"#name","value":"x"}`, ""},
		{"select needs value", KindSelectOption, `{"selector":"#s"}`, `requires param "value"`},
		{"press_key needs key", KindPressKey, `{}`, `requires param "key"`},
		{"upload needs files", KindUploadFile, `{"target":{"kind":"css","selector":"#f"}}`, `requires param "files"`},
		{"frame bad action", KindFrame, `{"frame":"pay","action":"hover"}`, "enter or exit"},
		{"frame exit ok", KindFrame, `{"action":"exit"}`, ""},
		{"new_tab needs url", KindNewTab, `{}`, `requires param "url"`},
		{"extract_title needs out", KindExtractTitle, `{}`, `requires param "out"`},
		{"extract_text ok", KindExtractText, `{"selector":"h1","out":"title"}`, ""},
		{"extract_attribute needs attribute", KindExtractAttribute, `{"selector":"a","out":"href"}`, `requires param "attribute"`},
		{"assert needs condition", KindAssert, `{}`, "needs a target or a condition"},
		{"assert urlIncludes ok", KindAssert, `{"urlIncludes":"/done"}`, ""},
		{"set_var ok", KindSetVar, `{"name":"x","value":1}`, ""},
		{"set_var non-scalar", KindSetVar, `{"name":"x","value":{"a":1}}`, "must be a scalar"},
		{"sleep needs positive", KindSleep, `{"durationMs":0}`, "must be positive"},
		{"network_find ok", KindNetworkFind, `{"where":{"urlIncludes":"/api/"},"saveAs":"req"}`, ""},
		{"network_find needs saveAs", KindNetworkFind, `{"where":{"method":"POST"}}`, `requires param "saveAs"`},
		{"network_find empty where", KindNetworkFind, `{"saveAs":"r"}`, "must not be empty"},
		{"network_find bad pick", KindNetworkFind, `{"where":{"method":"GET"},"saveAs":"r","pick":"middle"}`, "first or last"},
		{"network_replay ok", KindNetworkReplay, `{"requestId":"{{vars.req}}"}`, ""},
		{"network_replay needs requestId", KindNetworkReplay, `{}`, `requires param "requestId"`},
		{"network_replay bad auth", KindNetworkReplay, `{"requestId":"x","auth":"cookies"}`, "unknown auth mode"},
		{"network_replay out without response", KindNetworkReplay, `{"requestId":"x","out":"c"}`, "requires a response spec"},
		{"network_extract ok", KindNetworkExtract, `{"fromVar":"raw","as":"json","out":"c"}`, ""},
		{"network_extract bad as", KindNetworkExtract, `{"fromVar":"raw","as":"xml","out":"c"}`, "json or text"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			info, ok := Registry[tc.kind]
			if !ok {
				t.Fatalf("kind %s not registered", tc.kind)
			}
			errs := info.Validate(mkStep(t, "s1", tc.kind, tc.params))
			if tc.wantErr == "" {
				if len(errs) != 0 {
					t.Fatalf("expected valid, got %v", errs)
				}
				return
			}
			found := false
			for _, e := range errs {
				if strings.Contains(e, tc.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v missing %q", errs, tc.wantErr)
			}
		})
	}
}

func TestNetworkFindRejectsUnknownWhereKeys(t *testing.T) {
	t.Parallel()
	s := mkStep(t, "find", KindNetworkFind,
		`{"where":{"urlIncludes":"/api/","urlContains":"oops"},"saveAs":"req"}`)
	errs := Registry[KindNetworkFind].Validate(s)
	found := false
	for _, e := range errs {
		if strings.Contains(e, `unknown network_find.where key "urlContains"`) {
			found = true
		}
	}
	if !found {
		t.Errorf("unknown where key not rejected: %v", errs)
	}
}

// ============================================
// HTTP-Only Compatibility Tests
// ============================================

func TestHTTPOnlyCompatible(t *testing.T) {
	t.Parallel()
	allowed := []Kind{KindSetVar, KindSleep, KindNetworkReplay, KindNetworkExtract}
	for _, k := range allowed {
		if !HTTPOnlyCompatible(k) {
			t.Errorf("%s should be HTTP-only compatible", k)
		}
	}
	domCoupled := []Kind{
		KindNavigate, KindClick, KindFill, KindWaitFor, KindExtractText,
		KindExtractAttribute, KindExtractTitle, KindAssert, KindSelectOption,
		KindPressKey, KindUploadFile, KindFrame, KindNewTab, KindSwitchTab,
		KindNetworkFind,
	}
	for _, k := range domCoupled {
		if HTTPOnlyCompatible(k) {
			t.Errorf("%s must not be HTTP-only compatible", k)
		}
	}
	if HTTPOnlyCompatible(Kind("bogus")) {
		t.Error("unknown kind must not be compatible")
	}
}

// ============================================
// Write Introspection Tests
// ============================================

func TestOutsAndSavedVars(t *testing.T) {
	t.Parallel()
	s := mkStep(t, "x", KindNetworkReplay,
		`{"requestId":"{{vars.req}}","saveAs":"raw","out":"companies","response":{"as":"json"}}`)
	if got := Outs(s); len(got) != 1 || got[0] != "companies" {
		t.Errorf("Outs = %v", got)
	}
	if got := SavedVars(s); len(got) != 1 || got[0] != "raw" {
		t.Errorf("SavedVars = %v", got)
	}

	sv := mkStep(t, "y", KindSetVar, `{"name":"n","value":"v"}`)
	if got := SavedVars(sv); len(got) != 1 || got[0] != "n" {
		t.Errorf("SavedVars(set_var) = %v", got)
	}
	if got := Outs(sv); got != nil {
		t.Errorf("Outs(set_var) = %v, want nil", got)
	}
}

func TestRetryMatches(t *testing.T) {
	t.Parallel()
	open := &RetrySpec{Times: 2}
	if !open.Matches(types.KindWaitTimeout) {
		t.Error("empty onlyOn should match any kind")
	}
	if open.Matches(types.KindCancelled) {
		t.Error("cancellation must never be retried")
	}
	narrow := &RetrySpec{Times: 1, OnlyOn: []types.Kind{types.KindWaitTimeout}}
	if narrow.Matches(types.KindReplay) {
		t.Error("onlyOn list must exclude other kinds")
	}
	if !narrow.Matches(types.KindWaitTimeout) {
		t.Error("onlyOn list must include its own kind")
	}
}
