package messages

import (
	"time"

	"github.com/kmahony/go-psremoting/serialization"
)

// Well-known payload property names. Peers match on the exact strings, so
// these are interop constants and must not be renamed.
const (
	PropMinRunspaces           = "MinRunspaces"
	PropMaxRunspaces           = "MaxRunspaces"
	PropCallID                 = "CallId"
	PropRunspaceState          = "RunspaceState"
	PropPipelineState          = "PipelineState"
	PropExceptionAsErrorRecord = "ExceptionAsErrorRecord"
	PropProtocolVersion        = "protocolversion"
	PropPSVersion              = "PSVersion"
	PropSerializationVersion   = "SerializationVersion"
	PropTimeZone               = "TimeZone"
	PropPublicKey              = "PublicKey"
	PropEncryptedSessionKey    = "EncryptedSessionKey"
	PropApplicationPrivateData = "ApplicationPrivateData"
	PropSetMinMaxResponse      = "SetMinMaxRunspacesResponse"
	PropAvailableRunspaces     = "AvailableRunspaces"
	PropThreadOptions          = "PSThreadOptions"
	PropApartmentState         = "ApartmentState"
	PropApplicationArguments   = "ApplicationArguments"
	PropHostInfo               = "HostInfo"
	PropPowerShell             = "PowerShell"
	PropNoInput                = "NoInput"
	PropAddToHistory           = "AddToHistory"
	PropRemoteStreamOptions    = "RemoteStreamOptions"
	PropIsNested               = "IsNested"
)

// typeNameErrorRecord is the .NET type-name chain attached to error records.
var typeNameErrorRecord = []string{
	"System.Management.Automation.ErrorRecord",
	"System.Object",
}

// ErrorRecord is a remote execution failure delivered as data. It terminates
// at most the pipeline or pool it arrived on, never the session.
type ErrorRecord struct {
	Message               string
	FullyQualifiedErrorID string
	CategoryMessage       string
	TargetName            string
	// FullyQualifiedModule is rehydration-sensitive: peers may legally omit
	// it before a runspace exists, so absence never fails a decode.
	FullyQualifiedModule string
}

// Error implements the error interface so a record can be used directly as a
// terminating reason.
func (r *ErrorRecord) Error() string {
	if r.FullyQualifiedErrorID != "" {
		return r.Message + " (" + r.FullyQualifiedErrorID + ")"
	}
	return r.Message
}

func (r *ErrorRecord) toPSObject() *serialization.PSObject {
	exc := serialization.NewPSObject("System.Exception", "System.Object")
	exc.ToString = r.Message
	exc.Set("Message", r.Message)

	obj := serialization.NewPSObject(typeNameErrorRecord...)
	obj.ToString = r.Message
	obj.Set("Exception", exc)
	obj.Set("FullyQualifiedErrorId", r.FullyQualifiedErrorID)
	obj.Set("ErrorCategory_Message", r.CategoryMessage)
	if r.TargetName != "" {
		obj.Set("ErrorCategory_TargetName", r.TargetName)
	}
	if r.FullyQualifiedModule != "" {
		obj.Set("FullyQualifiedModule", r.FullyQualifiedModule)
	}
	return obj
}

// errorRecordFromPSObject decodes an error record. Only the message is
// required; everything else is optional by protocol.
func errorRecordFromPSObject(obj *serialization.PSObject) *ErrorRecord {
	r := &ErrorRecord{Message: obj.ToString}

	if exc, ok := obj.Properties["Exception"].(*serialization.PSObject); ok {
		if msg, ok := exc.Properties["Message"].(string); ok && msg != "" {
			r.Message = msg
		} else if exc.ToString != "" {
			r.Message = exc.ToString
		}
	}
	if id, ok := obj.Properties["FullyQualifiedErrorId"].(string); ok {
		r.FullyQualifiedErrorID = id
	}
	if cat, ok := obj.Properties["ErrorCategory_Message"].(string); ok {
		r.CategoryMessage = cat
	}
	if target, ok := obj.Properties["ErrorCategory_TargetName"].(string); ok {
		r.TargetName = target
	}
	if mod, ok := obj.Properties["FullyQualifiedModule"].(string); ok {
		r.FullyQualifiedModule = mod
	}
	return r
}

// ProgressRecord is a PowerShellProgress stream entry.
type ProgressRecord struct {
	Activity          string
	ActivityID        int32
	StatusDescription string
	CurrentOperation  string
	ParentActivityID  int32
	PercentComplete   int32
	SecondsRemaining  int32
	RecordType        int32
}

func (r *ProgressRecord) toPSObject() *serialization.PSObject {
	obj := serialization.NewPSObject(
		"System.Management.Automation.ProgressRecord", "System.Object")
	obj.Set("Activity", r.Activity)
	obj.Set("ActivityId", r.ActivityID)
	obj.Set("StatusDescription", r.StatusDescription)
	obj.Set("CurrentOperation", r.CurrentOperation)
	obj.Set("ParentActivityId", r.ParentActivityID)
	obj.Set("PercentComplete", r.PercentComplete)
	obj.Set("SecondsRemaining", r.SecondsRemaining)
	obj.Set("Type", r.RecordType)
	return obj
}

func progressRecordFromBag(bag *propertyBag) (*ProgressRecord, error) {
	activity, err := bag.reqString("Activity")
	if err != nil {
		return nil, err
	}
	id, err := bag.reqInt32("ActivityId")
	if err != nil {
		return nil, err
	}
	return &ProgressRecord{
		Activity:          activity,
		ActivityID:        id,
		StatusDescription: bag.optString("StatusDescription"),
		CurrentOperation:  bag.optString("CurrentOperation"),
		ParentActivityID:  bag.optInt32("ParentActivityId", -1),
		PercentComplete:   bag.optInt32("PercentComplete", -1),
		SecondsRemaining:  bag.optInt32("SecondsRemaining", -1),
		RecordType:        bag.optInt32("Type", 0),
	}, nil
}

// InformationRecord is a PowerShellInformationStream entry (protocol >= 2.3).
type InformationRecord struct {
	MessageData   any
	Source        string
	TimeGenerated time.Time
	Tags          []string
	User          string
	Computer      string
}

func (r *InformationRecord) toPSObject() *serialization.PSObject {
	obj := serialization.NewPSObject(
		"System.Management.Automation.InformationRecord", "System.Object")
	obj.Set("MessageData", r.MessageData)
	obj.Set("Source", r.Source)
	obj.Set("TimeGenerated", r.TimeGenerated)
	tags := make([]any, len(r.Tags))
	for i, t := range r.Tags {
		tags[i] = t
	}
	obj.Set("Tags", tags)
	obj.Set("User", r.User)
	obj.Set("Computer", r.Computer)
	return obj
}

func informationRecordFromBag(bag *propertyBag) *InformationRecord {
	r := &InformationRecord{
		MessageData:   bag.obj.Properties["MessageData"],
		Source:        bag.optString("Source"),
		TimeGenerated: bag.optTime("TimeGenerated"),
		User:          bag.optString("User"),
		Computer:      bag.optString("Computer"),
	}
	for _, tag := range bag.optList("Tags") {
		if s, ok := tag.(string); ok {
			r.Tags = append(r.Tags, s)
		}
	}
	return r
}

// HostInfo describes the client host to the server. This engine does not
// marshal host UI state; a null host is the default.
type HostInfo struct {
	IsHostNull      bool
	IsHostUINull    bool
	IsHostRawUINull bool
	UseRunspaceHost bool
}

// NullHostInfo is the host description for a UI-less client.
func NullHostInfo() HostInfo {
	return HostInfo{
		IsHostNull:      true,
		IsHostUINull:    true,
		IsHostRawUINull: true,
		UseRunspaceHost: true,
	}
}

func (h HostInfo) toPSObject() *serialization.PSObject {
	obj := serialization.NewPSObject()
	obj.Set("_isHostNull", h.IsHostNull)
	obj.Set("_isHostUINull", h.IsHostUINull)
	obj.Set("_isHostRawUINull", h.IsHostRawUINull)
	obj.Set("_useRunspaceHost", h.UseRunspaceHost)
	return obj
}

func hostInfoFromPSObject(obj *serialization.PSObject) HostInfo {
	h := NullHostInfo()
	if obj == nil {
		return h
	}
	bag := &propertyBag{obj: obj}
	h.IsHostNull = bag.optBool("_isHostNull", true)
	h.IsHostUINull = bag.optBool("_isHostUINull", true)
	h.IsHostRawUINull = bag.optBool("_isHostRawUINull", true)
	h.UseRunspaceHost = bag.optBool("_useRunspaceHost", true)
	return h
}

// Parameter is one named or positional argument of a pipeline command.
// Positional arguments carry an empty Name.
type Parameter struct {
	Name  string
	Value any
}

// Command is one element of a pipeline's command chain.
type Command struct {
	Text           string
	IsScript       bool
	UseLocalScope  *bool
	EndOfStatement bool
	Parameters     []Parameter
}

func (c Command) toPSObject() *serialization.PSObject {
	obj := serialization.NewPSObject()
	obj.Set("Cmd", c.Text)
	obj.Set("IsScript", c.IsScript)
	if c.UseLocalScope != nil {
		obj.Set("UseLocalScope", *c.UseLocalScope)
	} else {
		obj.Set("UseLocalScope", nil)
	}

	args := make([]any, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		arg := serialization.NewPSObject()
		if p.Name == "" {
			arg.Set("N", nil)
		} else {
			arg.Set("N", p.Name)
		}
		arg.Set("V", p.Value)
		args = append(args, arg)
	}
	obj.Set("Args", args)
	obj.Set("EndOfStatement", c.EndOfStatement)
	return obj
}

func commandFromPSObject(msgType MessageType, obj *serialization.PSObject) (Command, error) {
	bag := &propertyBag{msgType: msgType, obj: obj}
	text, err := bag.reqString("Cmd")
	if err != nil {
		return Command{}, err
	}
	cmd := Command{
		Text:           text,
		IsScript:       bag.optBool("IsScript", false),
		EndOfStatement: bag.optBool("EndOfStatement", false),
	}
	if v, ok := obj.Properties["UseLocalScope"].(bool); ok {
		cmd.UseLocalScope = &v
	}
	for _, raw := range bag.optList("Args") {
		argObj, ok := raw.(*serialization.PSObject)
		if !ok {
			continue
		}
		var p Parameter
		if n, ok := argObj.Properties["N"].(string); ok {
			p.Name = n
		}
		p.Value = argObj.Properties["V"]
		cmd.Parameters = append(cmd.Parameters, p)
	}
	return cmd, nil
}

// PowerShellSpec is the command chain and invocation flags serialized inside
// a CreatePowerShell message.
type PowerShellSpec struct {
	Commands                     []Command
	IsNested                     bool
	History                      string
	RedirectShellErrorOutputPipe bool
}

func (s PowerShellSpec) toPSObject() *serialization.PSObject {
	cmds := make([]any, 0, len(s.Commands))
	for _, c := range s.Commands {
		cmds = append(cmds, c.toPSObject())
	}
	obj := serialization.NewPSObject()
	obj.Set("Cmds", cmds)
	obj.Set("IsNested", s.IsNested)
	if s.History == "" {
		obj.Set("History", nil)
	} else {
		obj.Set("History", s.History)
	}
	obj.Set("RedirectShellErrorOutputPipe", s.RedirectShellErrorOutputPipe)
	return obj
}

func powerShellSpecFromPSObject(msgType MessageType, obj *serialization.PSObject) (PowerShellSpec, error) {
	bag := &propertyBag{msgType: msgType, obj: obj}
	spec := PowerShellSpec{
		IsNested:                     bag.optBool("IsNested", false),
		History:                      bag.optString("History"),
		RedirectShellErrorOutputPipe: bag.optBool("RedirectShellErrorOutputPipe", false),
	}
	cmds := bag.optList("Cmds")
	if cmds == nil {
		return PowerShellSpec{}, bag.missing("Cmds", "list")
	}
	for _, raw := range cmds {
		cmdObj, ok := raw.(*serialization.PSObject)
		if !ok {
			return PowerShellSpec{}, bag.mistyped("Cmds", "command object", raw)
		}
		cmd, err := commandFromPSObject(msgType, cmdObj)
		if err != nil {
			return PowerShellSpec{}, err
		}
		spec.Commands = append(spec.Commands, cmd)
	}
	return spec, nil
}
