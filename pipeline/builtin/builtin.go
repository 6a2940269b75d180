// Package builtin provides the generic conditions and actions that pipelines
// are configured with. Register adds them to a pipeline.Registry under the
// names used in config.toml:
//
//	[[pipeline]]
//	name = "root"
//
//	  [[pipeline.stage]]
//	  name = "local"
//	  condition = "recipient_domain_is"
//	  condition_param = "example.com, example.org"
//	  action = "to_pipeline"
//	  params = { pipeline = "local" }
//
// Condition parameters are a single string; lists are comma separated.
// Action parameters are a table of strings.
package builtin

import (
	"strings"

	"github.com/migadu/mailspool/pipeline"
	"github.com/migadu/mailspool/storage"
)

// Deps are the collaborators some plugins need.
type Deps struct {
	// Repositories are the secondary repositories to_repository writes to.
	Repositories map[string]storage.Repository
}

// Register adds every builtin plugin to reg.
func Register(reg *pipeline.Registry, deps Deps) {
	reg.RegisterCondition("all", newAll)
	reg.RegisterCondition("recipient_is", newRecipientIs)
	reg.RegisterCondition("recipient_domain_is", newRecipientDomainIs)
	reg.RegisterCondition("sender_is", newSenderIs)
	reg.RegisterCondition("sender_domain_is", newSenderDomainIs)
	reg.RegisterCondition("has_attribute", newHasAttribute)
	reg.RegisterCondition("attribute_equals", newAttributeEquals)
	reg.RegisterCondition("has_header", newHasHeader)
	reg.RegisterCondition("subject_contains", newSubjectContains)
	reg.RegisterCondition("body_contains", newBodyContains)
	reg.RegisterCondition("size_greater_than", newSizeGreaterThan)
	reg.RegisterCondition("recipient_count_greater_than", newRecipientCountGreaterThan)
	reg.RegisterCondition("sieve", newSieve)

	reg.RegisterAction("to_pipeline", newToPipeline)
	reg.RegisterAction("ghost", newGhost)
	reg.RegisterAction("set_attribute", newSetAttribute)
	reg.RegisterAction("remove_attribute", newRemoveAttribute)
	reg.RegisterAction("add_header", newAddHeader)
	reg.RegisterAction("set_error", newSetError)
	reg.RegisterAction("log", newLog)
	reg.RegisterAction("to_repository", func(params map[string]string) (pipeline.Action, error) {
		return newToRepository(params, deps.Repositories)
	})
}

// NewRegistry returns a registry holding the builtin plugins.
func NewRegistry(deps Deps) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	Register(reg, deps)
	return reg
}

// splitList splits a comma separated parameter, dropping empty entries.
func splitList(param string) []string {
	var out []string
	for _, p := range strings.Split(param, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
