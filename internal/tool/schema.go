package tool

// Schema 描述工具参数的 JSON Schema（顶层固定为 object）。
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// Property 描述单个参数。Types 多于一个时渲染为联合类型，例如 ["string","number"]。
type Property struct {
	Types       []string
	Description string
	Enum        []any
	Items       *Property
	Minimum     *float64
	Maximum     *float64
}

// Map 将 Schema 渲染为 JSON Schema 文档，供模型声明和参数校验共同使用。
func (s Schema) Map() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, prop := range s.Properties {
		props[name] = prop.Map()
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		required := make([]any, len(s.Required))
		for i, name := range s.Required {
			required[i] = name
		}
		doc["required"] = required
	}
	return doc
}

// Map 渲染单个参数。
func (p Property) Map() map[string]any {
	doc := map[string]any{}
	switch len(p.Types) {
	case 0:
	case 1:
		doc["type"] = p.Types[0]
	default:
		types := make([]any, len(p.Types))
		for i, t := range p.Types {
			types[i] = t
		}
		doc["type"] = types
	}
	if p.Description != "" {
		doc["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		doc["enum"] = append([]any(nil), p.Enum...)
	}
	if p.Items != nil {
		doc["items"] = p.Items.Map()
	}
	if p.Minimum != nil {
		doc["minimum"] = *p.Minimum
	}
	if p.Maximum != nil {
		doc["maximum"] = *p.Maximum
	}
	return doc
}

// String 构造字符串参数。
func String(description string) Property {
	return Property{Types: []string{"string"}, Description: description}
}

// Number 构造数字参数。
func Number(description string) Property {
	return Property{Types: []string{"number"}, Description: description}
}

// Enum 构造枚举字符串参数。
func Enum(description string, values ...string) Property {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return Property{Types: []string{"string"}, Description: description, Enum: enum}
}

// Union 构造联合类型参数。
func Union(description string, types ...string) Property {
	return Property{Types: append([]string(nil), types...), Description: description}
}
