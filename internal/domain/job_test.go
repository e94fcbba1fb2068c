package domain

import (
	"testing"
	"time"
)

func TestCanTransitionJobStatus(t *testing.T) {
	tests := []struct {
		name    string
		current JobStatus
		next    JobStatus
		want    bool
	}{
		{name: "pending to running", current: JobPending, next: JobRunning, want: true},
		{name: "pending to completed", current: JobPending, next: JobCompleted, want: true},
		{name: "running to completed", current: JobRunning, next: JobCompleted, want: true},
		{name: "running to failed", current: JobRunning, next: JobFailed, want: true},
		{name: "running to timed out", current: JobRunning, next: JobTimedOut, want: true},
		{name: "same status", current: JobRunning, next: JobRunning, want: true},
		{name: "running back to pending", current: JobRunning, next: JobPending, want: false},
		{name: "completed back to running", current: JobCompleted, next: JobRunning, want: false},
		{name: "timed out to completed", current: JobTimedOut, next: JobCompleted, want: false},
		{name: "failed to completed", current: JobFailed, next: JobCompleted, want: false},
		{name: "empty current", current: "", next: JobRunning, want: false},
		{name: "empty next", current: JobRunning, next: "", want: false},
	}

	for _, tc := range tests {
		if got := CanTransitionJobStatus(tc.current, tc.next); got != tc.want {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, got)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobCompleted, JobFailed, JobTimedOut}
	for _, status := range terminal {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []JobStatus{JobPending, JobRunning, ""} {
		if status.Terminal() {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{in: "generation", want: RoleGeneration},
		{in: " TTS ", want: RoleTTS},
		{in: "Image", want: RoleImage},
		{in: "finetune", want: RoleFinetune},
		{in: "video", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseRole(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseRole(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseRole(%q): expected %s got %s", tc.in, tc.want, got)
		}
	}
}

func TestJobValidate(t *testing.T) {
	base := Job{
		JobID:       "job-1",
		Role:        RoleGeneration,
		Mode:        ModeSync,
		Status:      JobPending,
		SubmittedAt: time.Now().UTC(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	missingID := base
	missingID.JobID = "  "
	if err := missingID.Validate(); err == nil {
		t.Fatal("expected error for blank job id")
	}

	badRole := base
	badRole.Role = "video"
	if err := badRole.Validate(); err == nil {
		t.Fatal("expected error for unknown role")
	}

	badMode := base
	badMode.Mode = "batch"
	if err := badMode.Validate(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestArtifactKey(t *testing.T) {
	got := ArtifactKey("owner-1", "audio", "job-9", "speech.wav")
	want := "owner-1/audio/job-9/speech.wav"
	if got != want {
		t.Fatalf("expected %s got %s", want, got)
	}
}
