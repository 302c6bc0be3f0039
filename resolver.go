package offsync

// Outcome is the decision of a version comparison between a local and a
// remote copy of the same entity.
type Outcome int

const (
	// OutcomeRemoteNewer means the remote copy wins.
	OutcomeRemoteNewer Outcome = iota

	// OutcomeLocalNewer means the local copy wins.
	OutcomeLocalNewer

	// OutcomeTie means both carry the same modification timestamp; the
	// remote copy is treated as the tie-break authority.
	OutcomeTie
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRemoteNewer:
		return "remote_newer"
	case OutcomeLocalNewer:
		return "local_newer"
	case OutcomeTie:
		return "tie"
	default:
		return "unknown"
	}
}

var _ Resolver = (*LastWriteWinsResolver)(nil)

// LastWriteWinsResolver merges whole records by modification timestamp.
// It is correct only if every mutation rewrites the full record and bumps
// UpdatedAt monotonically; it is unsound under clock skew across devices.
type LastWriteWinsResolver struct{}

// Compare decides which side wins without constructing the merged record.
func (r *LastWriteWinsResolver) Compare(local, remote Record) Outcome {
	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return OutcomeRemoteNewer
	case local.UpdatedAt.After(remote.UpdatedAt):
		return OutcomeLocalNewer
	default:
		return OutcomeTie
	}
}

// Merge returns the winning record in full. Whole-object replacement, no
// field-level merge. Ties go to remote ("server wins").
func (r *LastWriteWinsResolver) Merge(local, remote Record) Record {
	if r.Compare(local, remote) == OutcomeLocalNewer {
		return local.Clone()
	}
	return remote.Clone()
}
