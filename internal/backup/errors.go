package backup

import "fmt"

// BackupError reports a failed archiving setup or base backup.
type BackupError struct {
	Reason string
	Err    error
}

func (e *BackupError) Error() string {
	if e.Err == nil {
		return "backup: " + e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("backup: %v", e.Err)
	}
	return fmt.Sprintf("backup: %s: %v", e.Reason, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// RestoreError reports a failed point-in-time restore.
type RestoreError struct {
	Reason string
	Err    error
}

func (e *RestoreError) Error() string {
	if e.Err == nil {
		return "restore: " + e.Reason
	}
	if e.Reason == "" {
		return fmt.Sprintf("restore: %v", e.Err)
	}
	return fmt.Sprintf("restore: %s: %v", e.Reason, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
