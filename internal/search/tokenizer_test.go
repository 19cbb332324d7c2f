package search

import (
	"reflect"
	"testing"
)

func TestTokenize_SplitsSeparatorsAndCamelCase(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"getWeatherForecast", []string{"get", "weather", "forecast"}},
		{"list_open_files", []string{"list", "open", "files"}},
		{"search-github-issues", []string{"search", "github", "issues"}},
		{"a an the of", nil},
	}
	for _, c := range cases {
		got := tokenize(c.in)
		if !reflect.DeepEqual(got, c.want) {
			t.Errorf("tokenize(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestTokenize_DropsSingleCharTokens(t *testing.T) {
	t.Parallel()
	got := tokenize("x add y")
	want := []string{"add"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
