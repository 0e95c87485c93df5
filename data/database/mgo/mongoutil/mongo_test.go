package mongoutil

import "testing"

func TestValidateAndSetDefaults(t *testing.T) {
	c := &Config{Address: []string{"m1:27017", "m2:27017"}, Database: "im", Username: "u", Password: "p"}
	if err := c.ValidateAndSetDefaults(); err != nil {
		t.Fatal(err)
	}
	want := "mongodb://u:p@m1:27017,m2:27017/im?authSource=im&maxPoolSize=100"
	if c.Uri != want {
		t.Fatalf("Uri = %q, want %q", c.Uri, want)
	}
	if c.MaxRetry != defaultMaxRetry {
		t.Fatalf("MaxRetry = %d", c.MaxRetry)
	}

	explicit := &Config{Uri: "mongodb://h/x", Database: "x"}
	_ = explicit.ValidateAndSetDefaults()
	if explicit.Uri != "mongodb://h/x" {
		t.Fatal("explicit Uri overwritten")
	}

	for name, bad := range map[string]*Config{
		"no address": {Database: "im"},
		"no db":      {Uri: "mongodb://h"},
	} {
		if err := bad.ValidateAndSetDefaults(); err == nil {
			t.Fatalf("%s accepted", name)
		}
	}
}

func TestBuildMongoURIWithoutCredentials(t *testing.T) {
	c := &Config{Address: []string{"m1:27017"}, Database: "im", MaxPoolSize: 10}
	if got := buildMongoURI(c, "admin"); got != "mongodb://m1:27017/im?authSource=admin&maxPoolSize=10" {
		t.Fatalf("uri = %q", got)
	}
}
