package nodebackup

import (
	"fmt"

	"migratory/internal/domain"
	"migratory/internal/serializer"
)

// Step upgrades a revision from one schema version to the next.
type Step struct {
	From  string
	To    string
	Apply func(rev *domain.NodeRevisionBackup, nodeType string) (string, error)
}

// CurrentVersionDriver applies Steps in sequence until a revision reaches serializer.CurrentVersion.
type CurrentVersionDriver struct {
	Steps []Step
}

func NewCurrentVersionDriver() CurrentVersionDriver {
	return CurrentVersionDriver{Steps: []Step{
		{From: "0.0", To: "0.1", Apply: foldLegacyAnnotations},
		{From: "0.1", To: serializer.CurrentVersion, Apply: renameDatasets},
	}}
}

func (d CurrentVersionDriver) MigrateToCurrentVersion(rev *domain.NodeRevisionBackup, nodeType string) (string, error) {
	ver := rev.XMLVersion
	if ver == "" {
		ver = serializer.LegacyVersion
	}
	if err := serializer.Check(ver); err != nil {
		return "", err
	}
	for i := 0; ver != serializer.CurrentVersion; i++ {
		if i > len(d.Steps) {
			return "", fmt.Errorf("upgrade of revision %s/%d does not terminate", rev.NodeID, rev.RevisionNumber)
		}
		step, ok := d.step(ver)
		if !ok {
			return "", fmt.Errorf("no upgrade path from schema version %s", ver)
		}
		if !serializer.Less(step.From, step.To) {
			return "", fmt.Errorf("upgrade step %s -> %s does not move forward", step.From, step.To)
		}
		next, err := step.Apply(rev, nodeType)
		if err != nil {
			return "", fmt.Errorf("upgrade %s -> %s: %w", step.From, step.To, err)
		}
		nodeType = next
		ver = step.To
	}
	rev.XMLVersion = ver
	return nodeType, nil
}

func (d CurrentVersionDriver) step(from string) (Step, bool) {
	for _, s := range d.Steps {
		if s.From == from {
			return s, true
		}
	}
	return Step{}, false
}

// foldLegacyAnnotations moves flat annotations into the "additional" namespace.
func foldLegacyAnnotations(rev *domain.NodeRevisionBackup, nodeType string) (string, error) {
	if rev.Annotations.Empty() {
		rev.Annotations = nil
		return nodeType, nil
	}
	add := rev.Namespace(domain.NamespaceAdditional)
	add.Strings = append(add.Strings, rev.Annotations.Strings...)
	add.Longs = append(add.Longs, rev.Annotations.Longs...)
	add.Doubles = append(add.Doubles, rev.Annotations.Doubles...)
	rev.Annotations = nil
	return nodeType, nil
}

func renameDatasets(_ *domain.NodeRevisionBackup, nodeType string) (string, error) {
	if nodeType == "dataset" {
		return "study", nil
	}
	return nodeType, nil
}
