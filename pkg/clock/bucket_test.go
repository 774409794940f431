package clock

import "testing"

func TestBucketHashRange(t *testing.T) {
	subjects := []string{"hello", "world", "user-1", "user-2", "session-abc", ""}
	for _, s := range subjects {
		b := BucketHash("new_directory_ui", s)
		if b < 0 || b > 99 {
			t.Errorf("BucketHash(%q) = %d, want value in [0, 99]", s, b)
		}
	}
}

func TestBucketHashDeterministic(t *testing.T) {
	for i := 0; i < 10; i++ {
		a := BucketHash("flag", "hello")
		b := BucketHash("flag", "hello")
		if a != b {
			t.Fatalf("BucketHash not deterministic: %d != %d", a, b)
		}
	}
}

func TestBucketHashKeySensitive(t *testing.T) {
	// The flag key is part of the hash input, so the same subject can land
	// in different buckets for different flags.
	same := true
	flags := []string{"flag_a", "flag_b", "flag_c", "flag_d", "flag_e", "flag_f"}
	first := BucketHash(flags[0], "subject")
	for _, f := range flags[1:] {
		if BucketHash(f, "subject") != first {
			same = false
		}
	}
	if same {
		t.Error("BucketHash ignores the flag key")
	}
}
