package storage

import "testing"

func TestGCSBaseURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  GCSConfig
		want string
	}{
		{"public", GCSConfig{Bucket: "verdant"}, "https://storage.googleapis.com/verdant"},
		{"public base url", GCSConfig{Bucket: "verdant", PublicBaseURL: "https://cdn.test/img/", EmulatorHost: "localhost:9023"}, "https://cdn.test/img"},
		{"emulator host:port", GCSConfig{Bucket: "verdant", EmulatorHost: "localhost:9023"}, "http://localhost:9023/verdant"},
		{"emulator with scheme", GCSConfig{Bucket: "verdant", EmulatorHost: "http://gcs:4443/"}, "http://gcs:4443/verdant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gcsBaseURL(tt.cfg); got != tt.want {
				t.Errorf("gcsBaseURL = %q, want %q", got, tt.want)
			}
		})
	}
}
