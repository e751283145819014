package domain

import "encoding/xml"

// Node is one entity in the hierarchy. Revisions carry the versioned fields.
type Node struct {
	ID              string `json:"id" xml:"id"`
	ParentID        string `json:"parent_id,omitempty" xml:"parentId,omitempty"`
	Name            string `json:"name" xml:"name"`
	Description     string `json:"description,omitempty" xml:"description,omitempty"`
	NodeType        string `json:"node_type" xml:"nodeType"`
	ETag            string `json:"etag" xml:"etag"`
	CreatedBy       string `json:"created_by" xml:"createdBy"`
	CreatedOn       string `json:"created_on" xml:"createdOn" format:"date-time"`
	CurrentRevision int64  `json:"current_revision" xml:"currentRevision"`
}

type ResourceAccess struct {
	PrincipalID string   `json:"principal_id" xml:"principalId"`
	AccessTypes []string `json:"access_types" xml:"accessType"`
}

type AccessControlList struct {
	ResourceID     string           `json:"resource_id" xml:"resourceId"`
	ETag           string           `json:"etag" xml:"etag"`
	CreationDate   string           `json:"creation_date" xml:"creationDate"`
	ResourceAccess []ResourceAccess `json:"resource_access" xml:"resourceAccess"`
}

// NodeBackup is the archive form of a node. A node with an ACL is its own benefactor.
type NodeBackup struct {
	XMLName    xml.Name           `json:"-" xml:"NodeBackup"`
	XMLVersion string             `json:"xml_version,omitempty" xml:"xmlVersion,attr,omitempty"`
	Node       Node               `json:"node" xml:"node"`
	ACL        *AccessControlList `json:"acl,omitempty" xml:"acl,omitempty"`
	Benefactor string             `json:"benefactor" xml:"benefactor"`
	Children   []string           `json:"children,omitempty" xml:"children>id,omitempty"`
	Revisions  []int64            `json:"revisions,omitempty" xml:"revisions>number,omitempty"`
}

func (b *NodeBackup) SchemaVersion() string     { return b.XMLVersion }
func (b *NodeBackup) SetSchemaVersion(v string) { b.XMLVersion = v }

type StringAnnotation struct {
	Key    string   `json:"key" xml:"key,attr"`
	Values []string `json:"values" xml:"value"`
}

type LongAnnotation struct {
	Key    string  `json:"key" xml:"key,attr"`
	Values []int64 `json:"values" xml:"value"`
}

type DoubleAnnotation struct {
	Key    string    `json:"key" xml:"key,attr"`
	Values []float64 `json:"values" xml:"value"`
}

type Annotations struct {
	Strings []StringAnnotation `json:"strings,omitempty" xml:"stringAnnotation,omitempty"`
	Longs   []LongAnnotation   `json:"longs,omitempty" xml:"longAnnotation,omitempty"`
	Doubles []DoubleAnnotation `json:"doubles,omitempty" xml:"doubleAnnotation,omitempty"`
}

func (a *Annotations) Empty() bool {
	return a == nil || (len(a.Strings) == 0 && len(a.Longs) == 0 && len(a.Doubles) == 0)
}

// AnnotationNamespace groups annotations under a name such as "primary" or "additional".
type AnnotationNamespace struct {
	Name        string      `json:"name" xml:"name,attr"`
	Annotations Annotations `json:"annotations" xml:"annotations"`
}

const (
	NamespacePrimary    = "primary"
	NamespaceAdditional = "additional"
)

type Reference struct {
	TargetID      string `json:"target_id" xml:"targetId"`
	TargetVersion int64  `json:"target_version,omitempty" xml:"targetVersion,omitempty"`
}

type ReferenceGroup struct {
	Name       string      `json:"name" xml:"name,attr"`
	References []Reference `json:"references" xml:"reference"`
}

// NodeRevisionBackup is one revision of a node, keyed by (NodeID, RevisionNumber).
// Annotations is only populated by archives written before named annotations existed.
type NodeRevisionBackup struct {
	XMLName          xml.Name              `json:"-" xml:"NodeRevisionBackup"`
	XMLVersion       string                `json:"xml_version,omitempty" xml:"xmlVersion,attr,omitempty"`
	NodeID           string                `json:"node_id" xml:"nodeId"`
	RevisionNumber   int64                 `json:"revision_number" xml:"revisionNumber"`
	Label            string                `json:"label" xml:"label"`
	Comment          string                `json:"comment,omitempty" xml:"comment,omitempty"`
	ModifiedBy       string                `json:"modified_by" xml:"modifiedBy"`
	ModifiedOn       string                `json:"modified_on" xml:"modifiedOn"`
	Annotations      *Annotations          `json:"annotations,omitempty" xml:"annotations,omitempty"`
	NamedAnnotations []AnnotationNamespace `json:"named_annotations,omitempty" xml:"namedAnnotations>namespace,omitempty"`
	References       []ReferenceGroup      `json:"references,omitempty" xml:"references>group,omitempty"`
}

func (r *NodeRevisionBackup) SchemaVersion() string     { return r.XMLVersion }
func (r *NodeRevisionBackup) SetSchemaVersion(v string) { r.XMLVersion = v }

// Namespace returns the named namespace, creating it when missing.
func (r *NodeRevisionBackup) Namespace(name string) *Annotations {
	for i := range r.NamedAnnotations {
		if r.NamedAnnotations[i].Name == name {
			return &r.NamedAnnotations[i].Annotations
		}
	}
	r.NamedAnnotations = append(r.NamedAnnotations, AnnotationNamespace{Name: name})
	return &r.NamedAnnotations[len(r.NamedAnnotations)-1].Annotations
}
