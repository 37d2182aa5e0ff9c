package auth

// CanReadDocument reports whether the principal may read a document.
// Admins and wildcard grants cover every document.
func CanReadDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return grantCovers(payload.Permissions.CanRead, documentID)
}

// CanWriteDocument reports whether the principal may write to a document.
func CanWriteDocument(payload *TokenPayload, documentID string) bool {
	if payload == nil {
		return false
	}
	if payload.Permissions.IsAdmin {
		return true
	}
	return grantCovers(payload.Permissions.CanWrite, documentID)
}

func grantCovers(grants []string, documentID string) bool {
	for _, id := range grants {
		if id == "*" || id == documentID {
			return true
		}
	}
	return false
}

// CreateUserPermissions builds a non-admin scope from explicit document lists.
func CreateUserPermissions(canRead, canWrite []string) DocumentPermissions {
	return DocumentPermissions{
		CanRead:  canRead,
		CanWrite: canWrite,
		IsAdmin:  false,
	}
}

// CreateAdminPermissions builds a scope with full access to every document.
func CreateAdminPermissions() DocumentPermissions {
	return DocumentPermissions{
		CanRead:  []string{"*"},
		CanWrite: []string{"*"},
		IsAdmin:  true,
	}
}
