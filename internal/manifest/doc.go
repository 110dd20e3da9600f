// Package manifest parses dependency manifests.
//
// A manifest is a requirements-style text file: one package specifier per
// line, "#" comments, blank lines ignored. Lines beginning with "-" are
// installer options (index URLs, includes) and are carried through
// untouched. Each specifier is a package name with optional extras, an
// optional comma-separated version constraint and an optional environment
// marker after ";":
//
//	fastapi==0.110.0
//	uvicorn[standard]>=0.29,<0.30
//	asyncpg~=0.29.0 ; python_version >= "3.9"
//
// Constraints are translated to semantic-version ranges where possible so
// that installed versions can be checked against the manifest after an
// install.
package manifest
