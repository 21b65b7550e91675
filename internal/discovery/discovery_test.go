package discovery

import "testing"

func TestStopWithoutStart(t *testing.T) {
	a := NewAdvertiser(Config{Port: 8787})
	a.Stop()
	a.Stop()
	if a.IsRunning() {
		t.Fatal("advertiser should not be running")
	}
}
