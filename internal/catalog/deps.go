package catalog

// This file exists solely to pin transitive dependencies of the pgx driver as
// direct requirements. The real implementations live in the upstream modules;
// keeping these blank imports ensures the go tool recognises the dependencies
// when tidying modules in this repository.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
)
