package rbac

// CanManageUser decides whether actor may mutate the target user's record.
// Superusers always may. Otherwise the actor must hold a strictly lower
// operation index (lower = more privileged) than the target; an equal index
// means peers, and peers cannot manage each other.
func (s *Snapshot) CanManageUser(actor, target Principal) bool {
	if actor.Superuser {
		return true
	}
	return s.OperationIndex(actor) < s.OperationIndex(target)
}

// CanManageRole decides whether actor may mutate the given role. The role
// must be strictly less privileged than the actor's own operation index.
// The unranked protected roles clear this bar for any ranked actor, but
// deletion and slug edits are refused separately regardless of rank.
func (s *Snapshot) CanManageRole(actor Principal, role Role) bool {
	if actor.Superuser {
		return true
	}
	return s.OperationIndex(actor) < role.Rank
}
