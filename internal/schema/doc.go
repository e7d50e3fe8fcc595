// Package schema compiles data models declared in CUE into the entity
// descriptions used by every other layer.
//
// A model file looks like:
//
//	model: Company: {
//		entity: Employee: {
//			attribute: {
//				firstName: string
//				lastName:  string
//				salary:    float
//				hired:     "date"
//				photo:     bytes
//			}
//			required: ["lastName"]
//			relationship: {
//				manager: target: "Employee"
//				reports: {target: "Employee", toMany: true}
//			}
//		}
//		entity: Contractor: {
//			parent: "Employee"
//			attribute: agency: string
//		}
//	}
//
// Attribute types are written either as CUE kinds (string, int, float,
// number, bool, bytes) or as a concrete type name ("date", "binary", ...).
// Child entities inherit their parent's attributes and relationships.
//
// The model Version is a domain-separated SHA-256 over the canonical JSON of
// the structural description. Stores persist it; a mismatch on open means the
// store needs migration.
package schema
