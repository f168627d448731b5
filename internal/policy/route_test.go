package policy

import (
	"reflect"
	"testing"
)

func TestSelectRoute(t *testing.T) {
	cases := []struct {
		msg     string
		pending bool
		want    Route
	}{
		{"我想做一个焦虑测试", false, RouteAssessment},
		{"can I take a stress questionnaire", false, RouteAssessment},
		{"什么是认知行为疗法", false, RouteRetrieval},
		{"How to deal with panic attacks", false, RouteRetrieval},
		{"我该怎么办？", false, RouteRetrieval},
		{"今天和朋友吃了饭", false, RouteDirect},
		{"hello there", false, RouteDirect},
		{"2", true, RouteAssessment},
		{"what is mindfulness?", true, RouteAssessment},
	}
	for _, tc := range cases {
		got := SelectRoute(tc.msg, tc.pending)
		if got != tc.want {
			t.Fatalf("SelectRoute(%q, %v) = %q, want %q", tc.msg, tc.pending, got, tc.want)
		}
	}
}

func TestExtractThemes(t *testing.T) {
	got := ExtractThemes("最近工作压力很大，晚上睡不着")
	want := []string{"sleep", "stress", "work"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractThemes() = %v, want %v", got, want)
	}
	if got := ExtractThemes("   "); got != nil {
		t.Fatalf("ExtractThemes(blank) = %v, want nil", got)
	}
}
