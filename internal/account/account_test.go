package account

import "testing"

func TestParseExpungePolicy(t *testing.T) {
	cases := []struct {
		in   string
		want ExpungePolicy
	}{
		{"", ExpungeNever},
		{"never", ExpungeNever},
		{"ON_POLL", ExpungeOnPoll},
		{"manual", ExpungeManually},
	}
	for _, tc := range cases {
		got, err := ParseExpungePolicy(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseExpungePolicy(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
		if again, _ := ParseExpungePolicy(got.String()); again != got {
			t.Errorf("ParseExpungePolicy(%q) = %v, want %v", got.String(), again, got)
		}
	}
	if _, err := ParseExpungePolicy("sometimes"); err == nil {
		t.Errorf("ParseExpungePolicy(%q) succeeded", "sometimes")
	}
}

func TestFolderType(t *testing.T) {
	a := &Account{TrashFolder: "Trash", SentFolder: "Sent", DraftsFolder: "Drafts", OutboxFolder: "Outbox"}
	cases := map[string]FolderType{
		"Trash":  FolderTrash,
		"Sent":   FolderSent,
		"Drafts": FolderDrafts,
		"Outbox": FolderOutbox,
		"INBOX":  FolderRegular,
	}
	for name, want := range cases {
		if got := a.FolderType(name); got != want {
			t.Errorf("FolderType(%q) = %v, want %v", name, got, want)
		}
	}
	if got := (&Account{}).FolderType(""); got != FolderRegular {
		t.Errorf("FolderType(%q) = %v, want regular", "", got)
	}
}

func TestVisibleLimit(t *testing.T) {
	a := &Account{}
	if got := a.VisibleLimit(-1); got != DefaultVisibleLimit {
		t.Errorf("VisibleLimit(-1) = %d, want %d", got, DefaultVisibleLimit)
	}
	a.DisplayCount = 100
	if got := a.VisibleLimit(0); got != 100 {
		t.Errorf("VisibleLimit(0) = %d, want 100", got)
	}
	if got := a.VisibleLimit(10); got != 10 {
		t.Errorf("VisibleLimit(10) = %d, want 10", got)
	}
}
