package branchpad

import (
	"github.com/branchpad/branchpad/pkg/models"
)

// mutationContext carries everything a validator may inspect: the operation,
// the acting user with their resolved role, the existing node state for
// updates and deletes, the parent for creates, and the decoded payload.
type mutationContext struct {
	op     models.Operation
	actor  *models.User
	role   models.Role
	node   *models.Node      // existing state, nil for create
	parent *models.Node      // nil for root creates
	attrs  models.Attributes // decoded attributes, create only
	fields models.MergeDoc   // field writes, update only
}

// validator checks one mutation against the rules of its node type. A nil
// error accepts the mutation; a RejectionError refuses it without touching
// the log.
type validator func(c *mutationContext) error

// validators is the per-type registry. Every node type must have an entry;
// dispatch on an unknown type is an invalid payload, not a fallthrough.
var validators = map[models.NodeType]validator{
	models.NodeTypeSpace:    validateSpace,
	models.NodeTypeChannel:  validateContainer,
	models.NodeTypeChat:     validateContainer,
	models.NodeTypePage:     validateContainer,
	models.NodeTypeDatabase: validateContainer,
	models.NodeTypeRecord:   validateRecord,
	models.NodeTypeFolder:   validateContainer,
	models.NodeTypeFile:     validateFile,
	models.NodeTypeMessage:  validateMessage,
}

// allowedParents constrains where each node type may be created. Spaces are
// absent: they are roots and never have a parent.
var allowedParents = map[models.NodeType]map[models.NodeType]bool{
	models.NodeTypeChannel:  {models.NodeTypeSpace: true},
	models.NodeTypeChat:     {models.NodeTypeSpace: true},
	models.NodeTypePage:     {models.NodeTypeSpace: true, models.NodeTypeFolder: true, models.NodeTypePage: true},
	models.NodeTypeDatabase: {models.NodeTypeSpace: true, models.NodeTypeFolder: true, models.NodeTypePage: true},
	models.NodeTypeRecord:   {models.NodeTypeDatabase: true},
	models.NodeTypeFolder:   {models.NodeTypeSpace: true, models.NodeTypeFolder: true},
	models.NodeTypeFile: {
		models.NodeTypeSpace: true, models.NodeTypeFolder: true, models.NodeTypePage: true,
		models.NodeTypeChannel: true, models.NodeTypeChat: true,
	},
	models.NodeTypeMessage: {models.NodeTypeChannel: true, models.NodeTypeChat: true},
}

// immutableFields may never appear in an update's field writes. Type and
// placement are fixed at creation; moving a node is a delete plus create.
var immutableFields = map[string]bool{
	"type":      true,
	"parent_id": true,
}

func validatorFor(t models.NodeType) (validator, error) {
	v, ok := validators[t]
	if !ok {
		return nil, reject(CodeInvalidPayload, "unknown node type %q", t)
	}
	return v, nil
}

// checkParent enforces the structural constraint for creates.
func checkParent(c *mutationContext, childType models.NodeType) error {
	if c.parent == nil {
		return reject(CodeInvalidPayload, "%s requires a parent", childType)
	}
	if !allowedParents[childType][c.parent.Type] {
		return reject(CodeInvalidPayload, "%s cannot be created under %s", childType, c.parent.Type)
	}
	return nil
}

// checkImmutableFields rejects updates that touch frozen fields.
func checkImmutableFields(c *mutationContext) error {
	for field := range c.fields {
		if immutableFields[field] {
			return reject(CodeInvalidPayload, "field %q is immutable", field)
		}
	}
	return nil
}

// validateSpace handles the root node type. Creation consults the actor's
// base workspace role because there is no ancestry to resolve against.
func validateSpace(c *mutationContext) error {
	switch c.op {
	case models.OperationCreate:
		if c.parent != nil {
			return reject(CodeInvalidPayload, "space cannot have a parent")
		}
		if !c.role.AtLeast(models.RoleAdmin) {
			return reject(CodeUnauthorized, "creating a space requires admin")
		}
	case models.OperationUpdate:
		if err := checkImmutableFields(c); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "editing this space requires editor")
		}
	case models.OperationDelete:
		if !c.role.AtLeast(models.RoleOwner) {
			return reject(CodeUnauthorized, "deleting a space requires owner")
		}
	}
	return nil
}

// validateContainer covers channel, chat, page, database and folder, which
// share the default thresholds: editor to create or update, admin to delete.
func validateContainer(c *mutationContext) error {
	switch c.op {
	case models.OperationCreate:
		if err := checkParent(c, c.attrs.Payload.NodeType()); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "creating here requires editor")
		}
	case models.OperationUpdate:
		if err := checkImmutableFields(c); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "editing this node requires editor")
		}
	case models.OperationDelete:
		if !c.role.AtLeast(models.RoleAdmin) {
			return reject(CodeUnauthorized, "deleting this node requires admin")
		}
	}
	return nil
}

// validateRecord additionally pins the record to its parent database.
func validateRecord(c *mutationContext) error {
	if c.op == models.OperationCreate {
		if err := checkParent(c, models.NodeTypeRecord); err != nil {
			return err
		}
		attrs, ok := c.attrs.Payload.(models.RecordAttributes)
		if !ok {
			return reject(CodeInvalidPayload, "record attributes have wrong shape")
		}
		if !attrs.DatabaseID.IsZero() && attrs.DatabaseID != c.parent.ID {
			return reject(CodeInvalidPayload, "record database_id must match its parent")
		}
	}
	return validateContainer(c)
}

// validateFile allows editors to create and delete file nodes; the upload
// itself is authorized separately by the presigned URL endpoints.
func validateFile(c *mutationContext) error {
	switch c.op {
	case models.OperationCreate:
		if err := checkParent(c, models.NodeTypeFile); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "creating a file requires editor")
		}
	case models.OperationUpdate:
		if err := checkImmutableFields(c); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "editing a file requires editor")
		}
	case models.OperationDelete:
		if !c.role.AtLeast(models.RoleEditor) {
			return reject(CodeUnauthorized, "deleting a file requires editor")
		}
	}
	return nil
}

// validateMessage lets collaborators post, and restricts edits and deletions
// to the author unless the actor is at least admin.
func validateMessage(c *mutationContext) error {
	switch c.op {
	case models.OperationCreate:
		if err := checkParent(c, models.NodeTypeMessage); err != nil {
			return err
		}
		if !c.role.AtLeast(models.RoleCollaborator) {
			return reject(CodeUnauthorized, "posting here requires collaborator")
		}
	case models.OperationUpdate:
		if err := checkImmutableFields(c); err != nil {
			return err
		}
		if c.node.CreatedBy != c.actor.ID && !c.role.AtLeast(models.RoleAdmin) {
			return reject(CodeUnauthorized, "only the author can edit this message")
		}
	case models.OperationDelete:
		if c.node.CreatedBy != c.actor.ID && !c.role.AtLeast(models.RoleAdmin) {
			return reject(CodeUnauthorized, "only the author can delete this message")
		}
	}
	return nil
}
