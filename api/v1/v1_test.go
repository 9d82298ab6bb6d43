package v1

import (
	"testing"
)

var sha256tests = []struct {
	in       string
	expected bool
}{
	{"360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", true},
	{"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9", true},
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", true},
	// Spaces
	{" 360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480", false},
	{"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9 ", false},
	// Too short
	{"0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227d", false},
	// Too long
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dcaaa", false},
	{"aaab0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	// Too long invalid char
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dcZ", false},
	{"Zb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dc", false},
	// Invalid char
	{"b0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227dZ", false},
	{"Zb0b3e798e388f85158a9eb6c5053b81e76aa77e7a780d21cebb8e127517227d", false},
}

var externalRefTests = []struct {
	in       string
	expected bool
}{
	{"0x7e9b5ab0cf2cf4df1b603c17110ff97e9bb5a2c3f2a0c07e2b08b2a0c07e2ba1", true},
	{"0xA1", true},
	{"0x0", true},
	// Missing prefix
	{"7e9b5ab0cf2cf4df1b603c17110ff97e9bb5a2c3f2a0c07e2b08b2a0c07e2ba1", false},
	{"x7e9b5ab0cf2cf4df1b603c17110ff97e", false},
	// Empty reference
	{"0x", false},
	{"", false},
	// Spaces
	{" 0xA1", false},
	{"0xA1 ", false},
	// Invalid char
	{"0xZZ", false},
	{"0x7e9b5ab0cf2cf4df1b603c17110ff97g", false},
	// Too long
	{"0x" + "ab" + "360f84035942243c6a36537ae2f8673485e6c04455a0a85a0db19690f2541480" +
		"27042f4e6eca7d0b2a7ee4026df2ecfa51d3339e6d122aa099118ecd8563bad9", false},
}

func TestSha256Regex(t *testing.T) {
	for _, v := range sha256tests {
		t.Logf("testing %v %v", v.in, v.expected)
		if RegexpSHA256.MatchString(v.in) != v.expected {
			t.Errorf("testing %v %v got %v %v",
				v.in, v.expected, v.in, !v.expected)
		}
	}
}

func TestExternalRefRegex(t *testing.T) {
	for _, v := range externalRefTests {
		t.Logf("testing %v %v", v.in, v.expected)
		if RegexpExternalRef.MatchString(v.in) != v.expected {
			t.Errorf("testing %v %v got %v %v",
				v.in, v.expected, v.in, !v.expected)
		}
	}
}
