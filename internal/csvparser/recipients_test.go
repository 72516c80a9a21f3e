package csvparser

import (
	"errors"
	"strings"
	"testing"
)

func TestParseRecipientRows(t *testing.T) {
	in := "Name, EMAIL ,Subject\n" +
		"Ada,ada@example.com,Hello {{Name}}\n" +
		"broken row\n" +
		"Bob,,Hi\n" +
		"Cy, cy@example.com ,\n"

	rows, skipped, err := ParseRecipientRows(strings.NewReader(in), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Email != "ada@example.com" || rows[0].Fields["Name"] != "Ada" || rows[0].Line != 2 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Email != "cy@example.com" || rows[1].Line != 5 {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if len(skipped) != 2 || skipped[0] != 3 || skipped[1] != 4 {
		t.Errorf("skipped = %v, want [3 4]", skipped)
	}

	subject, content := rows[0].Render("default", "Dear {{Name}},")
	if subject != "Hello Ada" || content != "Dear Ada," {
		t.Errorf("Render = %q, %q", subject, content)
	}
	subject, _ = rows[1].Render("Welcome {{Name}}", "")
	if subject != "Welcome Cy" {
		t.Errorf("Render default subject = %q", subject)
	}
}

func TestParseRecipientRows_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"no email column", "name,subject\nAda,hi\n", ErrNoEmailColumn},
		{"header only", "email\n", ErrNoRows},
		{"only blank emails", "email,name\n,Ada\n", ErrNoRows},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseRecipientRows(strings.NewReader(tt.in), 10)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, _, err := ParseRecipientRows(strings.NewReader(""), 10); err == nil {
		t.Error("empty input accepted")
	}
}

func TestParseRecipientRows_MaxRows(t *testing.T) {
	in := "email\na@example.com\nb@example.com\nc@example.com\n"
	rows, _, err := ParseRecipientRows(strings.NewReader(in), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].Email != "b@example.com" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestParseRecipientRows_LineNumbersFollowInput(t *testing.T) {
	in := "email,content\n" +
		"a@example.com,\"first line\nsecond line\"\n" +
		"\n" +
		"broken\n" +
		"b@example.com,hi\n"

	rows, skipped, err := ParseRecipientRows(strings.NewReader(in), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].Line != 2 || rows[0].Content != "first line\nsecond line" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Line != 6 {
		t.Errorf("row 1 line = %d, want 6", rows[1].Line)
	}
	if len(skipped) != 1 || skipped[0] != 5 {
		t.Errorf("skipped = %v, want [5]", skipped)
	}
}
