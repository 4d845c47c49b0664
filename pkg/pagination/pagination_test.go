package pagination

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithQuery(query string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/?"+query, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextWithQuery(""))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextWithQuery("limit=50&offset=10"))
	if p.Limit != 50 || p.Offset != 10 {
		t.Errorf("expected 50/10, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_Clamps(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"limit=500", MaxLimit, 0},
		{"limit=-3&offset=-5", DefaultLimit, 0},
		{"limit=abc&offset=xyz", DefaultLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := FromContext(contextWithQuery(tt.query))
			if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
				t.Errorf("expected %d/%d, got %d/%d", tt.wantLimit, tt.wantOffset, p.Limit, p.Offset)
			}
		})
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("unexpected HasNext")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("unexpected HasPrevious")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
}

func TestNewResponse(t *testing.T) {
	data := []string{"a", "b", "c"}
	r := NewResponse(data, 10, 3, 0)
	if r.Total != 10 || !r.HasMore {
		t.Errorf("expected total 10 with more, got %d %v", r.Total, r.HasMore)
	}
	if NewResponse(data, 3, 3, 0).HasMore {
		t.Error("expected has_more to be false when offset+limit >= total")
	}
}

func TestResponse_WithLinks(t *testing.T) {
	r := NewResponse([]int{1}, 30, 10, 10).WithLinks("/api/v1/queue/entries/x/history")
	if r.Next != "/api/v1/queue/entries/x/history?limit=10&offset=20" {
		t.Errorf("unexpected next %q", r.Next)
	}
	if r.Previous != "/api/v1/queue/entries/x/history?limit=10&offset=0" {
		t.Errorf("unexpected previous %q", r.Previous)
	}

	first := NewResponse([]int{}, 0, 10, 0).WithLinks("/x")
	b, _ := json.Marshal(first)
	var raw map[string]any
	json.Unmarshal(b, &raw)
	if _, ok := raw["next"]; ok {
		t.Error("expected next to be omitted on the only page")
	}
	if _, ok := raw["previous"]; ok {
		t.Error("expected previous to be omitted on the first page")
	}
}
