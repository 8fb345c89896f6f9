// Package subjects is the registry of well-known subjects. A well-known
// subject is bound to a protobuf message type whose descriptor can be
// embedded in recordings.
package subjects

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"gopkg.in/yaml.v3"

	// well-known types referenced by the bundled subjects
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

//go:embed subjects.yaml
var bundled []byte

// Errors
var (
	ErrUnknownSubject = errors.New("subject is not well-known")
	ErrTypeNotFound   = errors.New("protobuf type not found")
	ErrInvalidFile    = errors.New("invalid subjects file")
)

// Registry maps subjects to protobuf type names and resolves descriptors.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	subjects map[string]string
	files    *protoregistry.Files
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		subjects: make(map[string]string),
		files:    new(protoregistry.Files),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns a registry preloaded with the bundled subjects.
// Each call returns an independent copy.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := New()
		if err := r.Load(bundled); err != nil {
			panic(fmt.Sprintf("subjects: bundled subjects.yaml: %v", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry.clone()
}

func (r *Registry) clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := New()
	for k, v := range r.subjects {
		c.subjects[k] = v
	}
	return c
}

// entry accepts both `subject: type` and `subject: {schema: type}`.
type entry struct {
	Schema string
}

func (e *entry) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Decode(&e.Schema)
	case yaml.MappingNode:
		var m struct {
			Schema string `yaml:"schema"`
		}
		if err := n.Decode(&m); err != nil {
			return err
		}
		e.Schema = m.Schema
		return nil
	default:
		return fmt.Errorf("line %d: expected a type name or a mapping with schema", n.Line)
	}
}

// Load merges subjects from YAML content. Later definitions replace
// earlier ones.
func (r *Registry) Load(content []byte) error {
	var doc map[string]entry
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFile, err)
	}
	for subject, e := range doc {
		if strings.TrimSpace(e.Schema) == "" {
			return fmt.Errorf("%w: subject %q has no schema", ErrInvalidFile, subject)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for subject, e := range doc {
		r.subjects[subject] = strings.TrimSpace(e.Schema)
	}
	return nil
}

// LoadSubjects merges subjects from a YAML file.
func (r *Registry) LoadSubjects(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := r.Load(content); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadDescriptorSet registers the files of a serialized FileDescriptorSet
// (as produced by protoc --include_imports --descriptor_set_out).
func (r *Registry) LoadDescriptorSet(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(content, &set); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := r.RegisterFiles(&set); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// LoadExtra loads a subjects file and a descriptor set given as
// "subjects.yaml,types.bin".
func (r *Registry) LoadExtra(pair string) error {
	subjectsPath, typesPath, ok := strings.Cut(pair, ",")
	if !ok || subjectsPath == "" || typesPath == "" {
		return fmt.Errorf("%w: expected subjects.yaml,types.bin, got %q", ErrInvalidFile, pair)
	}
	if err := r.LoadSubjects(subjectsPath); err != nil {
		return err
	}
	return r.LoadDescriptorSet(typesPath)
}

// RegisterFiles adds the files of set. Files already known to the global
// registry are skipped; the rest may be listed in any order.
func (r *Registry) RegisterFiles(set *descriptorpb.FileDescriptorSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*descriptorpb.FileDescriptorProto, 0, len(set.GetFile()))
	for _, fdp := range set.GetFile() {
		if _, err := protoregistry.GlobalFiles.FindFileByPath(fdp.GetName()); err == nil {
			continue
		}
		if _, err := r.files.FindFileByPath(fdp.GetName()); err == nil {
			continue
		}
		pending = append(pending, fdp)
	}

	resolver := chain{r.files, protoregistry.GlobalFiles}
	for len(pending) > 0 {
		var (
			next    []*descriptorpb.FileDescriptorProto
			lastErr error
		)
		for _, fdp := range pending {
			fd, err := protodesc.NewFile(fdp, resolver)
			if err != nil {
				next = append(next, fdp)
				lastErr = err
				continue
			}
			if err := r.files.RegisterFile(fd); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			return lastErr
		}
		pending = next
	}
	return nil
}

// IsWellKnown reports whether subject is bound to a type.
func (r *Registry) IsWellKnown(subject string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subjects[subject]
	return ok
}

// SchemaOf returns the type name bound to subject.
func (r *Registry) SchemaOf(subject string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.subjects[subject]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}
	return name, nil
}

// Subjects returns the number of known subjects.
func (r *Registry) Subjects() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subjects)
}

// DescriptorOf returns the type name bound to subject and a serialized
// FileDescriptorSet holding the type's file and its transitive imports,
// dependencies first.
func (r *Registry) DescriptorOf(subject string) (string, []byte, error) {
	name, err := r.SchemaOf(subject)
	if err != nil {
		return "", nil, err
	}

	r.mu.RLock()
	md, err := r.findMessage(protoreflect.FullName(name))
	r.mu.RUnlock()
	if err != nil {
		return "", nil, err
	}

	set := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	var walk func(fd protoreflect.FileDescriptor)
	walk = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			walk(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	walk(md.ParentFile())

	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(set)
	if err != nil {
		return "", nil, fmt.Errorf("marshal descriptor set for %s: %w", name, err)
	}
	return name, data, nil
}

func (r *Registry) findMessage(name protoreflect.FullName) (protoreflect.MessageDescriptor, error) {
	d, err := chain{r.files, protoregistry.GlobalFiles}.FindDescriptorByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotFound, name)
	}
	md, ok := d.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a message", ErrTypeNotFound, name)
	}
	return md, nil
}

// chain resolves against each registry in turn.
type chain []*protoregistry.Files

func (c chain) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	for _, f := range c {
		if fd, err := f.FindFileByPath(path); err == nil {
			return fd, nil
		}
	}
	return nil, protoregistry.NotFound
}

func (c chain) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	for _, f := range c {
		if d, err := f.FindDescriptorByName(name); err == nil {
			return d, nil
		}
	}
	return nil, protoregistry.NotFound
}
