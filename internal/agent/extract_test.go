package agent

import (
	"errors"
	"testing"

	"github.com/MrWong99/agentengine/internal/chat"
	"github.com/MrWong99/agentengine/internal/task"
)

func TestFenced(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		lang   string
		want   string
		wantOK bool
	}{
		{name: "json", text: "here:\n```json\n[1, 2]\n```\nbye", lang: "json", want: "[1, 2]", wantOK: true},
		{name: "sql", text: "```sql\nSELECT 1;\n```", lang: "sql", want: "SELECT 1;", wantOK: true},
		{name: "first of many", text: "```json\n{}\n``` and ```json\n[]\n```", lang: "json", want: "{}", wantOK: true},
		{name: "wrong lang", text: "```python\nx\n```", lang: "json", wantOK: false},
		{name: "unclosed", text: "```json\n{", lang: "json", wantOK: false},
		{name: "custom lang", text: "```yaml\na: 1\n```", lang: "yaml", want: "a: 1", wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Fenced(tt.text, tt.lang)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Fenced = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestAllFenced(t *testing.T) {
	text := "a ```json\n{\"i\":0}\n``` b ```json\n{\"i\":1}\n``` c ```sql\nx\n```"
	got := AllFenced(text, "json")
	if len(got) != 2 || got[0] != `{"i":0}` || got[1] != `{"i":1}` {
		t.Errorf("AllFenced = %q", got)
	}
	if got := AllFenced("nothing", "json"); len(got) != 0 {
		t.Errorf("AllFenced(no blocks) = %q", got)
	}
}

func TestObject(t *testing.T) {
	got, ok := Object(`Sure! {"a": {"b": 1}} Hope that helps.`)
	if !ok || got != `{"a": {"b": 1}}` {
		t.Errorf("Object = (%q, %v)", got, ok)
	}
	if _, ok := Object("no braces"); ok {
		t.Error("Object found braces in plain text")
	}
	if _, ok := Object("} backwards {"); ok {
		t.Error("Object accepted reversed braces")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 0); got != "" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestCheck(t *testing.T) {
	if err := Check(chat.Result{Status: task.StatusCompleted}); err != nil {
		t.Errorf("Check(completed) = %v", err)
	}
	err := Check(chat.Result{JobID: "j1", Status: task.StatusError, Result: "boom"})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("err = %v, want ErrFailed", err)
	}
	if want := "agent: generation failed: job j1: boom"; err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
}
