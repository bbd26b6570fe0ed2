package engine

// Drivers available to the dbapi engine, by database/sql name.
import (
	_ "github.com/ClickHouse/clickhouse-go/v2"   // clickhouse
	_ "github.com/databricks/databricks-sql-go"  // databricks
	_ "github.com/denisenkom/go-mssqldb"         // sqlserver, mssql
	_ "github.com/duckdb/duckdb-go/v2"           // duckdb
	_ "github.com/go-sql-driver/mysql"           // mysql
	_ "github.com/lib/pq"                        // postgres
	_ "github.com/mattn/go-sqlite3"              // sqlite3
	_ "github.com/snowflakedb/gosnowflake"       // snowflake
	_ "github.com/trinodb/trino-go-client/trino" // trino
)
