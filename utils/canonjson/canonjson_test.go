package canonjson

import "testing"

func TestMarshal(t *testing.T) {
	type inner struct {
		Zed   string `json:"zed"`
		Alpha int    `json:"alpha"`
	}
	for _, test := range []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, "null"},
		{"flat", map[string]interface{}{"b": 1, "a": "x"}, `{"a":"x","b":1}`},
		{"nested", map[string]interface{}{"z": map[string]interface{}{"y": true, "c": nil}, "a": []interface{}{2, 1}}, `{"a":[2,1],"z":{"c":null,"y":true}}`},
		{"struct", inner{Zed: "<z>", Alpha: 3}, `{"alpha":3,"zed":"<z>"}`},
		{"large number", map[string]interface{}{"n": 12345678901234567}, `{"n":12345678901234567}`},
	} {
		t.Run(test.name, func(t *testing.T) {
			b, err := Marshal(test.in)
			if err != nil {
				t.Fatal(err)
			}
			if have, want := string(b), test.want; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
		})
	}
}
