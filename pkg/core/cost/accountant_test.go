package cost

import "testing"

func TestCalculateKnownModel(t *testing.T) {
	got := Calculate("gpt-4o", 1000, 500)
	want := round6(1*0.0025 + 0.5*0.01)
	if got != want {
		t.Errorf("Calculate() = %v, want %v", got, want)
	}
}

func TestCalculateUnknownModelFallsBack(t *testing.T) {
	_, found := PriceFor("not-a-real-model")
	if found {
		t.Error("expected unknown model to report found=false")
	}

	got := Calculate("not-a-real-model", 1000, 1000)
	want := round6(defaultPrice.InPer1K + defaultPrice.OutPer1K)
	if got != want {
		t.Errorf("Calculate() for unknown model = %v, want %v", got, want)
	}
}

func TestCalculateZeroTokens(t *testing.T) {
	if got := Calculate("gpt-4o", 0, 0); got != 0 {
		t.Errorf("Calculate() with zero tokens = %v, want 0", got)
	}
}

func TestRound6(t *testing.T) {
	if got := round6(0.123456789); got != 0.123457 {
		t.Errorf("round6() = %v, want 0.123457", got)
	}
}
