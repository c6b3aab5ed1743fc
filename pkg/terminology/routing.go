package terminology

import "github.com/clinicaltrials/gridline/pkg/models"

// routingTable is the fixed per-entity-type priority list of terminology
// systems, ordered by preference. Demographic entities are not grounded at
// all; that is not an error.
var routingTable = map[models.EntityType][]models.TerminologySystem{
	models.EntityMedication:  {models.SystemRxNorm, models.SystemSnomed},
	models.EntityCondition:   {models.SystemSnomed, models.SystemICD10},
	models.EntityProcedure:   {models.SystemSnomed},
	models.EntityLabValue:    {models.SystemLoinc, models.SystemSnomed},
	models.EntityBiomarker:   {models.SystemSnomed, models.SystemHPO},
	models.EntityDemographic: {},
}

// RoutesFor returns the priority-ordered systems for an entity type.
// Unknown types route nowhere.
func RoutesFor(t models.EntityType) []models.TerminologySystem {
	return routingTable[t]
}
