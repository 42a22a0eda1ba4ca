// Package domain holds the records shared by every signupassist component:
// mandates, plans, execution attempts, audit entries and the step journal,
// plus the closed status enums and the error taxonomy.
package domain
