package managers_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"migratory/internal/backup"
	"migratory/internal/db"
	"migratory/internal/domain"
	"migratory/internal/managers"
	"migratory/internal/migrate"
	"migratory/internal/nodebackup"
)

type testEnv struct {
	Store *managers.Store
	Ctx   context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := managers.NewStore(conn)
	fixed := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	store.Nodes.Now = fixed
	for _, m := range store.Objects {
		m.Now = fixed
	}
	return testEnv{Store: store, Ctx: context.Background()}
}

func TestBenefactorFollowsACLs(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	root, err := nodes.EnsureRoot(env.Ctx, "4489", "1")
	if err != nil {
		t.Fatalf("ensure root: %v", err)
	}
	if root.Benefactor != "4489" || root.ACL == nil {
		t.Fatalf("root must be its own benefactor: %+v", root)
	}
	project, err := nodes.CreateNode(env.Ctx, root.Node.ID, "project", "project", "1")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	folder, err := nodes.CreateNode(env.Ctx, project.ID, "folder", "folder", "1")
	if err != nil {
		t.Fatalf("create folder: %v", err)
	}
	got, _ := nodes.GetNode(env.Ctx, folder.ID)
	if got.Benefactor != root.Node.ID {
		t.Fatalf("folder should inherit from root, got %s", got.Benefactor)
	}

	if err := nodes.SetACL(env.Ctx, project.ID, &domain.AccessControlList{
		ResourceAccess: []domain.ResourceAccess{{PrincipalID: "2", AccessTypes: []string{"READ"}}},
	}); err != nil {
		t.Fatalf("set acl: %v", err)
	}
	got, _ = nodes.GetNode(env.Ctx, folder.ID)
	if got.Benefactor != project.ID {
		t.Fatalf("folder should inherit from project after acl, got %s", got.Benefactor)
	}

	if err := nodes.SetACL(env.Ctx, project.ID, nil); err != nil {
		t.Fatalf("clear acl: %v", err)
	}
	got, _ = nodes.GetNode(env.Ctx, folder.ID)
	if got.Benefactor != root.Node.ID {
		t.Fatalf("folder should inherit from root again, got %s", got.Benefactor)
	}
}

func TestCreateOrUpdateValidation(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	err := nodes.CreateOrUpdateNodeWithRevisions(env.Ctx, domain.NodeBackup{Node: domain.Node{ID: "1", NodeType: "folder"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "ACL") {
		t.Fatalf("root without acl must be rejected, got %v", err)
	}
	root, _ := nodes.EnsureRoot(env.Ctx, "1", "1")
	legacy := domain.NodeRevisionBackup{NodeID: "1", RevisionNumber: 1, Annotations: &domain.Annotations{}}
	if err := nodes.CreateOrUpdateNodeWithRevisions(env.Ctx, root, []domain.NodeRevisionBackup{legacy}); err == nil {
		t.Fatalf("unmigrated revision must be rejected")
	}
	orphan := domain.NodeBackup{Node: domain.Node{ID: "9", ParentID: "missing", NodeType: "folder"}}
	if err := nodes.CreateOrUpdateNodeWithRevisions(env.Ctx, orphan, nil); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected missing parent, got %v", err)
	}
}

func TestRevisionSetIsReplacedExactly(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	root, _ := nodes.EnsureRoot(env.Ctx, "1", "1")
	for _, label := range []string{"v1", "v2", "v3"} {
		if _, err := nodes.AddRevision(env.Ctx, root.Node.ID, label, "", "1", []domain.AnnotationNamespace{{
			Name:        domain.NamespacePrimary,
			Annotations: domain.Annotations{Strings: []domain.StringAnnotation{{Key: "stage", Values: []string{label}}}},
		}}); err != nil {
			t.Fatalf("add revision: %v", err)
		}
	}
	root, _ = nodes.GetNode(env.Ctx, root.Node.ID)
	if len(root.Revisions) != 3 || root.Node.CurrentRevision != 3 {
		t.Fatalf("unexpected revisions %v current %d", root.Revisions, root.Node.CurrentRevision)
	}
	rev, err := nodes.GetNodeRevision(env.Ctx, root.Node.ID, 2)
	if err != nil || rev.Label != "v2" || rev.NamedAnnotations[0].Annotations.Strings[0].Values[0] != "v2" {
		t.Fatalf("unexpected revision %+v %v", rev, err)
	}

	only := rev
	only.RevisionNumber = 7
	if err := nodes.CreateOrUpdateNodeWithRevisions(env.Ctx, root, []domain.NodeRevisionBackup{only}); err != nil {
		t.Fatalf("write: %v", err)
	}
	root, _ = nodes.GetNode(env.Ctx, root.Node.ID)
	if len(root.Revisions) != 1 || root.Revisions[0] != 7 {
		t.Fatalf("revision set not replaced: %v", root.Revisions)
	}
	if _, err := nodes.GetNodeRevision(env.Ctx, root.Node.ID, 1); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("old revision should be gone, got %v", err)
	}
}

func TestDeleteRemovesSubtree(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	root, _ := nodes.EnsureRoot(env.Ctx, "1", "1")
	a, _ := nodes.CreateNode(env.Ctx, root.Node.ID, "a", "project", "1")
	b, _ := nodes.CreateNode(env.Ctx, a.ID, "b", "folder", "1")
	if err := nodes.DeleteByMigratableID(env.Ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := nodes.GetNode(env.Ctx, b.ID); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("child should be gone, got %v", err)
	}
	if err := nodes.DeleteByMigratableID(env.Ctx, "absent"); err != nil {
		t.Fatalf("deleting an absent node must succeed, got %v", err)
	}
	if n, _ := nodes.GetTotalNodeCount(env.Ctx); n != 1 {
		t.Fatalf("expected only the root left, got %d", n)
	}
}

func TestObjectManagerRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	favs, err := env.Store.Object(domain.TypeFavorite)
	if err != nil {
		t.Fatal(err)
	}
	fav := &domain.Favorite{ID: "f1", PrincipalID: "7", EntityID: "101", ETag: "e1"}
	if err := favs.Put(env.Ctx, fav); err != nil {
		t.Fatalf("put: %v", err)
	}
	var buf bytes.Buffer
	if err := favs.WriteBackup(env.Ctx, "f1", &buf); err != nil {
		t.Fatalf("write backup: %v", err)
	}
	if !strings.Contains(buf.String(), `"schemaVersion": "1.0"`) {
		t.Fatalf("backup must carry the schema version: %s", buf.String())
	}
	if err := favs.DeleteByMigratableID(env.Ctx, "f1"); err != nil {
		t.Fatal(err)
	}
	id, err := favs.CreateOrUpdateFromBackup(env.Ctx, &buf)
	if err != nil || id != "f1" {
		t.Fatalf("restore: %s %v", id, err)
	}
	var got domain.Favorite
	if err := favs.Get(env.Ctx, "f1", &got); err != nil || got != *fav {
		t.Fatalf("round trip mismatch: %+v %v", got, err)
	}
	if err := favs.WriteBackup(env.Ctx, "nope", &buf); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestObjectManagerAcceptsBareLegacyJSON(t *testing.T) {
	env := newTestEnv(t)
	acts, _ := env.Store.Object(domain.TypeActivity)
	id, err := acts.CreateOrUpdateFromBackup(env.Ctx, strings.NewReader(`{"id":"a1","name":"run","created_by":"3","etag":"x"}`))
	if err != nil || id != "a1" {
		t.Fatalf("restore legacy: %s %v", id, err)
	}
	if _, err := acts.CreateOrUpdateFromBackup(env.Ctx, strings.NewReader(`{"schemaVersion":"1.0","type":"FAVORITE","object":{}}`)); !errors.Is(err, backup.ErrMalformedArchive) {
		t.Fatalf("type mismatch must be malformed, got %v", err)
	}
	if err := acts.Put(env.Ctx, &domain.Favorite{ID: "f", ETag: "e"}); err == nil {
		t.Fatalf("storing the wrong kind must fail")
	}
}

func TestStoreEnumeratesInDependencyOrder(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	root, _ := nodes.EnsureRoot(env.Ctx, "1", "u1")
	child, _ := nodes.CreateNode(env.Ctx, root.Node.ID, "c", "project", "u1")
	principals, _ := env.Store.Object(domain.TypePrincipal)
	_ = principals.Put(env.Ctx, &domain.Principal{ID: "u1", Name: "alice", ETag: "p"})
	wikis, _ := env.Store.Object(domain.TypeWikiPage)
	_ = wikis.Put(env.Ctx, &domain.WikiPage{ID: "w2", ParentWikiID: "w10", OwnerObjectID: child.ID, ETag: "w"})
	_ = wikis.Put(env.Ctx, &domain.WikiPage{ID: "w10", OwnerObjectID: child.ID, ETag: "w"})

	res, err := env.Store.Enumerator().GetAllObjects(env.Ctx, 0, 0, true)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if res.TotalNumberOfResults != 5 {
		t.Fatalf("expected 5 objects, got %d", res.TotalNumberOfResults)
	}
	pos := map[string]int{}
	for i, o := range res.Results {
		pos[o.ID.String()] = i
	}
	for _, o := range res.Results {
		for _, d := range o.Dependencies {
			if p, ok := pos[d.String()]; ok && p > pos[o.ID.String()] {
				t.Fatalf("%s listed before its dependency %s", o.ID, d)
			}
		}
	}
	if pos["WIKI_PAGE:w10"] > pos["WIKI_PAGE:w2"] {
		t.Fatalf("parent wiki must come first: %v", res.Results)
	}

	res, _ = env.Store.Enumerator(domain.TypePrincipal).GetAllObjects(env.Ctx, 0, 0, true)
	if res.TotalNumberOfResults != 4 {
		t.Fatalf("principals should be excluded, got %d", res.TotalNumberOfResults)
	}
}

func TestNodeTreeRoundTripThroughSQLite(t *testing.T) {
	env := newTestEnv(t)
	nodes := env.Store.Nodes
	root, _ := nodes.EnsureRoot(env.Ctx, "1", "1")
	project, _ := nodes.CreateNode(env.Ctx, root.Node.ID, "p", "project", "1")
	file, _ := nodes.CreateNode(env.Ctx, project.ID, "f", "file", "1")
	if _, err := nodes.AddRevision(env.Ctx, file.ID, "v1", "first", "1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := nodes.AddRevision(env.Ctx, file.ID, "v2", "", "1", nil); err != nil {
		t.Fatal(err)
	}
	before, _ := nodes.GetNode(env.Ctx, file.ID)

	drv := nodebackup.NewDriver(nodes, nodebackup.NewCurrentVersionDriver(), nil)
	archive := filepath.Join(t.TempDir(), "nodes.zip")
	p := backup.NewProgress()
	if err := drv.WriteBackup(env.Ctx, archive, p, nil); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if p.Current() != 5 || p.Total() != 5 {
		t.Fatalf("expected 3 nodes and 2 revisions, got %d/%d", p.Current(), p.Total())
	}
	if err := nodes.ClearAllData(env.Ctx); err != nil {
		t.Fatal(err)
	}
	if err := drv.RestoreFromBackup(env.Ctx, archive, backup.NewProgress()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	after, err := nodes.GetNode(env.Ctx, file.ID)
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if after.Node != before.Node || after.Benefactor != root.Node.ID || len(after.Revisions) != 2 {
		t.Fatalf("restored node differs:\n%+v\n%+v", before, after)
	}
	rev, _ := nodes.GetNodeRevision(env.Ctx, file.ID, 1)
	if rev.Comment != "first" {
		t.Fatalf("unexpected revision %+v", rev)
	}
}

func TestNodeSubsetRestoreWithChildListedFirst(t *testing.T) {
	src, dst := newTestEnv(t), newTestEnv(t)
	root, _ := src.Store.Nodes.EnsureRoot(src.Ctx, "1", "1")
	parent, _ := src.Store.Nodes.CreateNode(src.Ctx, root.Node.ID, "p", "project", "1")
	child, _ := src.Store.Nodes.CreateNode(src.Ctx, parent.ID, "c", "folder", "1")
	if _, err := dst.Store.Nodes.EnsureRoot(dst.Ctx, "1", "1"); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "subset.zip")
	backupDrv := nodebackup.NewDriver(src.Store.Nodes, nodebackup.NewCurrentVersionDriver(), nil)
	if err := backupDrv.WriteBackup(src.Ctx, archive, backup.NewProgress(), []string{child.ID, parent.ID}); err != nil {
		t.Fatalf("backup: %v", err)
	}
	restoreDrv := nodebackup.NewDriver(dst.Store.Nodes, nodebackup.NewCurrentVersionDriver(), nil)
	if err := restoreDrv.RestoreFromBackup(dst.Ctx, archive, backup.NewProgress()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n, _ := dst.Store.Nodes.GetTotalNodeCount(dst.Ctx); n != 3 {
		t.Fatalf("expected 3 nodes, got %d", n)
	}
	got, err := dst.Store.Nodes.GetNode(dst.Ctx, child.ID)
	if err != nil || got.Node.ParentID != parent.ID {
		t.Fatalf("child not restored under its parent: %+v %v", got, err)
	}
}

func sampleObjects() map[domain.MigratableObjectType]domain.Migratable {
	return map[domain.MigratableObjectType]domain.Migratable{
		domain.TypePrincipal:         &domain.Principal{ID: "u1", Name: "alice", IsIndividual: true, ETag: "e", CreatedOn: "2024-01-01T00:00:00Z"},
		domain.TypeFileHandle:        &domain.FileHandle{ID: "fh1", Bucket: "b", Key: "k/1", ContentType: "text/plain", ContentSize: 42, ContentMD5: "abc", CreatedBy: "u1", ETag: "e"},
		domain.TypeActivity:          &domain.Activity{ID: "a1", Name: "run", Description: "d", Used: []string{"101", "102"}, CreatedBy: "u1", ETag: "e"},
		domain.TypeAccessRequirement: &domain.AccessRequirement{ID: "ar1", SubjectIDs: []string{"101"}, AccessType: "DOWNLOAD", TermsOfUse: "be nice", CreatedBy: "u1", ETag: "e"},
		domain.TypeEvaluation:        &domain.Evaluation{ID: "ev1", Name: "challenge", ContentSource: "101", OwnerID: "u1", Status: "OPEN", ETag: "e"},
		domain.TypeSubmission:        &domain.Submission{ID: "s1", EvaluationID: "ev1", EntityID: "101", VersionNumber: 3, UserID: "u1", Status: "RECEIVED", ETag: "e"},
		domain.TypeFavorite:          &domain.Favorite{ID: "f1", PrincipalID: "u1", EntityID: "101", CreatedOn: "2024-01-01T00:00:00Z", ETag: "e"},
		domain.TypeWikiPage:          &domain.WikiPage{ID: "w1", Title: "home", Markdown: "# hi", OwnerObjectID: "101", ParentWikiID: "w0", AttachmentIDs: []string{"fh1"}, ModifiedBy: "u1", ETag: "e"},
		domain.TypeTrashedEntity:     &domain.TrashedEntity{ID: "t1", NodeName: "old", OriginalParentID: "101", DeletedBy: "u1", DeletedOn: "2024-01-02T00:00:00Z", ETag: "e"},
	}
}

func TestEveryFlatTypeRoundTripsThroughArchive(t *testing.T) {
	samples := sampleObjects()
	for _, typ := range domain.AllTypes {
		if typ == domain.TypeEntity {
			continue
		}
		t.Run(string(typ), func(t *testing.T) {
			want, ok := samples[typ]
			if !ok {
				t.Fatalf("no sample for %s", typ)
			}
			env := newTestEnv(t)
			m, err := env.Store.Object(typ)
			if err != nil {
				t.Fatal(err)
			}
			if err := m.Put(env.Ctx, want); err != nil {
				t.Fatalf("put: %v", err)
			}
			drv := backup.NewGenericBackupDriver(m, m, nil)
			archive := filepath.Join(t.TempDir(), "flat.zip")
			if err := drv.WriteBackup(env.Ctx, archive, backup.NewProgress(), nil); err != nil {
				t.Fatalf("backup: %v", err)
			}
			id := want.Descriptor().ID
			if err := m.DeleteByMigratableID(env.Ctx, id); err != nil {
				t.Fatal(err)
			}
			if err := drv.RestoreFromBackup(env.Ctx, archive, backup.NewProgress()); err != nil {
				t.Fatalf("restore: %v", err)
			}
			got := domain.NewObject(typ)
			if err := m.Get(env.Ctx, id, got); err != nil {
				t.Fatalf("get: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}
