package domain

func ref(t MigratableObjectType, ids ...string) []MigratableObjectDescriptor {
	var out []MigratableObjectDescriptor
	for _, id := range ids {
		if id == "" {
			continue
		}
		out = append(out, MigratableObjectDescriptor{Type: t, ID: id})
	}
	return out
}

type Principal struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsIndividual bool   `json:"is_individual"`
	ETag         string `json:"etag"`
	CreatedOn    string `json:"created_on" format:"date-time"`
}

func (p Principal) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypePrincipal, ID: p.ID}
}
func (p Principal) Etag() string                               { return p.ETag }
func (p Principal) Dependencies() []MigratableObjectDescriptor { return nil }

type FileHandle struct {
	ID          string `json:"id"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	ContentSize int64  `json:"content_size"`
	ContentMD5  string `json:"content_md5,omitempty"`
	CreatedBy   string `json:"created_by"`
	ETag        string `json:"etag"`
}

func (f FileHandle) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeFileHandle, ID: f.ID}
}
func (f FileHandle) Etag() string { return f.ETag }
func (f FileHandle) Dependencies() []MigratableObjectDescriptor {
	return ref(TypePrincipal, f.CreatedBy)
}

type Activity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Used        []string `json:"used,omitempty"`
	CreatedBy   string   `json:"created_by"`
	ETag        string   `json:"etag"`
}

func (a Activity) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeActivity, ID: a.ID}
}
func (a Activity) Etag() string { return a.ETag }
func (a Activity) Dependencies() []MigratableObjectDescriptor {
	return append(ref(TypePrincipal, a.CreatedBy), ref(TypeEntity, a.Used...)...)
}

type AccessRequirement struct {
	ID         string   `json:"id"`
	SubjectIDs []string `json:"subject_ids"`
	AccessType string   `json:"access_type"`
	TermsOfUse string   `json:"terms_of_use,omitempty"`
	CreatedBy  string   `json:"created_by"`
	ETag       string   `json:"etag"`
}

func (a AccessRequirement) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeAccessRequirement, ID: a.ID}
}
func (a AccessRequirement) Etag() string { return a.ETag }
func (a AccessRequirement) Dependencies() []MigratableObjectDescriptor {
	return append(ref(TypePrincipal, a.CreatedBy), ref(TypeEntity, a.SubjectIDs...)...)
}

type Evaluation struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContentSource string `json:"content_source"`
	OwnerID       string `json:"owner_id"`
	Status        string `json:"status"`
	ETag          string `json:"etag"`
}

func (e Evaluation) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeEvaluation, ID: e.ID}
}
func (e Evaluation) Etag() string { return e.ETag }
func (e Evaluation) Dependencies() []MigratableObjectDescriptor {
	return append(ref(TypePrincipal, e.OwnerID), ref(TypeEntity, e.ContentSource)...)
}

type Submission struct {
	ID            string `json:"id"`
	EvaluationID  string `json:"evaluation_id"`
	EntityID      string `json:"entity_id"`
	VersionNumber int64  `json:"version_number"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	ETag          string `json:"etag"`
}

func (s Submission) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeSubmission, ID: s.ID}
}
func (s Submission) Etag() string { return s.ETag }
func (s Submission) Dependencies() []MigratableObjectDescriptor {
	deps := ref(TypeEvaluation, s.EvaluationID)
	deps = append(deps, ref(TypeEntity, s.EntityID)...)
	return append(deps, ref(TypePrincipal, s.UserID)...)
}

type Favorite struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	EntityID    string `json:"entity_id"`
	CreatedOn   string `json:"created_on" format:"date-time"`
	ETag        string `json:"etag"`
}

func (f Favorite) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeFavorite, ID: f.ID}
}
func (f Favorite) Etag() string { return f.ETag }
func (f Favorite) Dependencies() []MigratableObjectDescriptor {
	return append(ref(TypePrincipal, f.PrincipalID), ref(TypeEntity, f.EntityID)...)
}

type WikiPage struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Markdown      string   `json:"markdown"`
	OwnerObjectID string   `json:"owner_object_id"`
	ParentWikiID  string   `json:"parent_wiki_id,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
	ModifiedBy    string   `json:"modified_by"`
	ETag          string   `json:"etag"`
}

func (w WikiPage) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeWikiPage, ID: w.ID}
}
func (w WikiPage) Etag() string { return w.ETag }
func (w WikiPage) Dependencies() []MigratableObjectDescriptor {
	deps := ref(TypeEntity, w.OwnerObjectID)
	deps = append(deps, ref(TypeWikiPage, w.ParentWikiID)...)
	deps = append(deps, ref(TypeFileHandle, w.AttachmentIDs...)...)
	return append(deps, ref(TypePrincipal, w.ModifiedBy)...)
}

// TrashedEntity records a node that was moved to the trash can.
type TrashedEntity struct {
	ID               string `json:"id"`
	NodeName         string `json:"node_name"`
	OriginalParentID string `json:"original_parent_id"`
	DeletedBy        string `json:"deleted_by"`
	DeletedOn        string `json:"deleted_on" format:"date-time"`
	ETag             string `json:"etag"`
}

func (t TrashedEntity) Descriptor() MigratableObjectDescriptor {
	return MigratableObjectDescriptor{Type: TypeTrashedEntity, ID: t.ID}
}
func (t TrashedEntity) Etag() string { return t.ETag }
func (t TrashedEntity) Dependencies() []MigratableObjectDescriptor {
	return append(ref(TypePrincipal, t.DeletedBy), ref(TypeEntity, t.OriginalParentID)...)
}

// NewObject returns an empty value of the flat kind for t, or nil for ENTITY and unknown types.
func NewObject(t MigratableObjectType) Migratable {
	switch t {
	case TypePrincipal:
		return &Principal{}
	case TypeFileHandle:
		return &FileHandle{}
	case TypeActivity:
		return &Activity{}
	case TypeAccessRequirement:
		return &AccessRequirement{}
	case TypeEvaluation:
		return &Evaluation{}
	case TypeSubmission:
		return &Submission{}
	case TypeFavorite:
		return &Favorite{}
	case TypeWikiPage:
		return &WikiPage{}
	case TypeTrashedEntity:
		return &TrashedEntity{}
	}
	return nil
}
