// Package recipe loads build recipes.
//
// A recipe declares everything the builder needs to produce a service
// image: base image, working directory, environment, system packages,
// dependency manifest, source tree and startup command. Recipes are
// written in YAML or JSON, checked against an embedded JSON schema, and
// completed with defaults before use.
//
//	r, err := recipe.Load("berth.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(r.Start.CommandLine())
package recipe
