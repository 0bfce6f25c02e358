package relm

import (
	"reflect"
	"testing"
)

func TestExtractBlocks(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "single block",
			output: "Let me inspect the context.\n\n```repl\nprint(len(context))\n```\n",
			want:   []string{"print(len(context))\n"},
		},
		{
			name:   "multiple blocks in order",
			output: "First:\n```repl\nx = 1\n```\nThen:\n```repl\ny = x + 1\n```\n",
			want:   []string{"x = 1\n", "y = x + 1\n"},
		},
		{
			name:   "other fence tags ignored",
			output: "Example only:\n```python\nimport os\n```\n```repl\nprint(\"run me\")\n```\n",
			want:   []string{"print(\"run me\")\n"},
		},
		{
			name:   "untagged fence ignored",
			output: "```\nplain\n```\n",
			want:   nil,
		},
		{
			name:   "no blocks",
			output: "I am still thinking about the shape of the data.",
			want:   nil,
		},
		{
			name:   "multiline block preserved",
			output: "```repl\nfor i in range(3):\n    print(i)\n```\n",
			want:   []string{"for i in range(3):\n    print(i)\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractBlocks(tt.output)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractBlocks() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFindFinal(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		want      string
		wantFound bool
	}{
		{
			name:      "quoted string argument",
			output:    `The answer is clear.` + "\n" + `FINAL("42 items")`,
			want:      "42 items",
			wantFound: true,
		},
		{
			name:      "single quoted argument",
			output:    `FINAL('done')`,
			want:      "done",
			wantFound: true,
		},
		{
			name:      "bare argument kept verbatim",
			output:    `FINAL(42)`,
			want:      "42",
			wantFound: true,
		},
		{
			name:      "nested parens",
			output:    `FINAL(summarize(a, b))`,
			want:      "summarize(a, b)",
			wantFound: true,
		},
		{
			name:      "parens inside quotes",
			output:    `FINAL("see section (3))")`,
			wantFound: true,
			want:      `see section (3))`,
		},
		{
			name:      "inside code block not prose",
			output:    "```repl\nFINAL(\"from code\")\n```\n",
			wantFound: false,
		},
		{
			name:      "prose final after code block",
			output:    "```repl\nx = 1\n```\nFINAL(\"after\")",
			want:      "after",
			wantFound: true,
		},
		{
			name:      "argument spanning lines",
			output:    "After comparing both runs,\nFINAL(the second run\nwins on every metric)",
			want:      "the second run\nwins on every metric",
			wantFound: true,
		},
		{
			name:      "identifier prefix does not match",
			output:    `NOT_FINAL("x")`,
			wantFound: false,
		},
		{
			name:      "unterminated call ignored",
			output:    "FINAL(\nnever closed",
			wantFound: false,
		},
		{
			name:      "absent",
			output:    "still working",
			wantFound: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := FindFinal(tt.output)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if found && got != tt.want {
				t.Errorf("FindFinal() = %q, want %q", got, tt.want)
			}
		})
	}
}
