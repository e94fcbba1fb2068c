package objectstore

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMapNotExistFoldsMissingKeyCodes(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantExist bool
	}{
		{"no such key", minio.ErrorResponse{Code: "NoSuchKey", Message: "The specified key does not exist."}, true},
		{"not found", minio.ErrorResponse{Code: "NotFound", Message: "Not found"}, true},
		{"access denied passes through", minio.ErrorResponse{Code: "AccessDenied", Message: "Access Denied."}, false},
		{"plain error passes through", errors.New("connection reset"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapNotExist("artifacts/owner-1/tts/job-1/speech.wav", tc.err)
			if errors.Is(got, ErrNotExist) != tc.wantExist {
				t.Fatalf("errors.Is(%v, ErrNotExist)=%v, want %v", got, !tc.wantExist, tc.wantExist)
			}
			if !tc.wantExist && !errors.Is(got, tc.err) && got.Error() != tc.err.Error() {
				t.Fatalf("unrelated error rewritten: %v", got)
			}
		})
	}
}
