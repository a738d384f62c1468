package artifact

import (
	"time"

	intoto "github.com/in-toto/in-toto-golang/in_toto"
	"github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/common"
	slsa01 "github.com/in-toto/in-toto-golang/in_toto/slsa_provenance/v0.1"
)

// ProvenanceStatement builds an in-toto provenance predicate for a,
// naming the element's resolved dependency closure as materials. The
// statement is an optional attestation: cache-key and queue logic do not
// consult it, and no CLI command produces it.
func ProvenanceStatement(projectName, elementName string, a *Artifact, builtAt time.Time) intoto.ProvenanceStatementSLSA01 {
	subject := intoto.Subject{
		Name: projectName + "/" + elementName,
		Digest: common.DigestSet{
			"sha256": a.Files.Hash,
		},
	}

	var materials []common.ProvenanceMaterial
	for _, dep := range a.Dependencies {
		materials = append(materials, common.ProvenanceMaterial{
			URI: dep.ProjectName + "/" + dep.ElementName,
			Digest: common.DigestSet{
				"cachekey": dep.CacheKey.String(),
			},
		})
	}

	return intoto.ProvenanceStatementSLSA01{
		StatementHeader: intoto.StatementHeader{
			Type:          intoto.StatementInTotoV01,
			PredicateType: slsa01.PredicateSLSAProvenance,
			Subject:       []intoto.Subject{subject},
		},
		Predicate: slsa01.ProvenancePredicate{
			Builder: common.ProvenanceBuilder{ID: "buildstream"},
			Recipe: slsa01.ProvenanceRecipe{
				Type:       "buildstream/element",
				EntryPoint: elementName,
			},
			Metadata: &slsa01.ProvenanceMetadata{
				BuildStartedOn:  &builtAt,
				BuildFinishedOn: &builtAt,
			},
			Materials: materials,
		},
	}
}
