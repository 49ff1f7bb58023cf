package graph

import "testing"

func TestIDSynthesisIsPure(t *testing.T) {
	if got := LineID("FOO", 12); got != "FOO_12" {
		t.Fatalf("LineID = %q", got)
	}
	if got := EntityID("FOO", "CUST-REC"); got != "FOO_CUST-REC" {
		t.Fatalf("EntityID = %q", got)
	}
	if got := ReferenceID("FOO_12", "CUST-FILE"); got != "ref_FOO_12_CUST-FILE" {
		t.Fatalf("ReferenceID = %q", got)
	}
	if got := FlowID("FOO_12"); got != "flow_FOO_12" {
		t.Fatalf("FlowID = %q", got)
	}

	// Recomputation yields identical ids.
	if LineID("FOO", 12) != LineID("FOO", 12) {
		t.Fatal("LineID not deterministic")
	}
}

func TestStructureID(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"MAIN-PARA", "sec_FOO_MAIN-PARA"},
		{"IDENTIFICATION DIVISION", "sec_FOO_IDENTIFICATION_DIVISION"},
		{"  main para  ", "sec_FOO_MAIN_PARA"},
	}
	for _, tc := range cases {
		if got := StructureID("FOO", tc.name); got != tc.want {
			t.Fatalf("StructureID(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestRank(t *testing.T) {
	if Rank(StructDivision) != 1 || Rank(StructSection) != 2 || Rank(StructParagraph) != 3 {
		t.Fatal("wrong hierarchy ranks")
	}
	if Rank(StructureType("WEIRD")) != 3 {
		t.Fatal("unknown types must rank as paragraphs")
	}
}

func TestParseLineType(t *testing.T) {
	if got, ok := ParseLineType(" code "); !ok || got != LineCode {
		t.Fatalf("ParseLineType(code) = %q, %v", got, ok)
	}
	if _, ok := ParseLineType("POEM"); ok {
		t.Fatal("POEM should not parse")
	}
}

func TestParseUsageType(t *testing.T) {
	for _, valid := range []string{"READS", "WRITES", "UPDATES", "VALIDATES", "OPENS", "CLOSES", "DECLARATION"} {
		if _, ok := ParseUsageType(valid); !ok {
			t.Fatalf("%s should parse", valid)
		}
	}
	if _, ok := ParseUsageType("MUTATES"); ok {
		t.Fatal("MUTATES should not parse")
	}
}

func TestParseFlowType(t *testing.T) {
	if got, ok := ParseFlowType("go_to"); !ok || got != FlowGoTo {
		t.Fatalf("ParseFlowType(go_to) = %q, %v", got, ok)
	}
	if _, ok := ParseFlowType("JUMP"); ok {
		t.Fatal("JUMP should not parse")
	}
}
